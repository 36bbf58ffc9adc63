// Package engine holds ops CLI commands that talk to a running engine
// instance's admin gRPC surface, the sibling of findy-agent's
// cmds/agency.PingCmd adapted from a custom DevOps.Enter(PING) RPC to the
// bundled grpc_health_v1.Check RPC healthsrv registers.
package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/findy-network/issuecred-engine/cmds/base"
)

// PingCmd checks that a deployed engine's admin surface is reachable and
// reports itself healthy.
type PingCmd struct {
	base.GrpcCmd
	Service string // health-checked service name; "" checks the server overall
}

func (c PingCmd) Validate() error {
	return c.GrpcCmd.Validate()
}

func (c PingCmd) Exec(w io.Writer) (r base.Result, err error) {
	defer err2.Annotate("ping engine admin surface", &err)

	target := fmt.Sprintf("%s:%d", c.Addr, c.Port)
	conn := try.To1(grpc.Dial(target, grpc.WithTransportCredentials(insecure.NewCredentials())))
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if c.Token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.Token)
	}

	client := healthpb.NewHealthClient(conn)
	resp := try.To1(client.Check(ctx, &healthpb.HealthCheckRequest{Service: c.Service}))

	base.Fprintln(w, "status:", resp.Status.String())
	return base.Result{Data: map[string]interface{}{"status": resp.Status.String()}}, nil
}
