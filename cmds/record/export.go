// Package record holds ops CLI commands operating directly on a deployed
// engine's durable storage file, the sibling of findy-agent's
// cmds/agent.ExportCmd (which exported a wallet). This engine has no
// wallet; the durable state worth exporting for support/debugging is a
// single credential exchange record.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"

	"github.com/findy-network/issuecred-engine/cmds/base"
	"github.com/findy-network/issuecred-engine/protocol/issuecredential/store"
)

// ExportCmd dumps one exchange record from a bolt store file to a JSON
// file, for support and debugging.
type ExportCmd struct {
	StorePath  string
	ExchangeID string
	OutPath    string
}

func (c ExportCmd) Validate() error {
	if c.StorePath == "" {
		return errors.New("store path cannot be empty")
	}
	if c.ExchangeID == "" {
		return errors.New("exchange id cannot be empty")
	}
	if c.OutPath == "" {
		return errors.New("export path cannot be empty")
	}
	return nil
}

func (c ExportCmd) Exec(w io.Writer) (r base.Result, err error) {
	defer err2.Annotate("export record cmd", &err)

	db := try.To1(store.OpenBoltStore(c.StorePath))
	defer db.Close()

	raw := try.To1(db.RetrieveByExchangeID(context.Background(), c.ExchangeID))

	var pretty map[string]interface{}
	try.To(json.Unmarshal(raw.Data, &pretty))
	out := try.To1(json.MarshalIndent(pretty, "", "  "))

	try.To(os.WriteFile(c.OutPath, out, 0600))

	base.Fprintln(w, "record exported:", c.OutPath)
	return base.Result{}, nil
}
