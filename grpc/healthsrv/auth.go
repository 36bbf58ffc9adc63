// Package healthsrv is the engine's admin surface: a gRPC health endpoint
// (google.golang.org/grpc/health, the bundled, already-generated
// grpc_health_v1 service) gated by a bearer JWT, the same shape
// grpc/server.Serve uses findy-common-go/jwt.CheckTokenValidity for, rebuilt
// here directly against dgrijalva/jwt-go since the transport-level
// findy-common-go package is out of scope (spec.md's non-goals exclude the
// wire transport itself; this package is purely operational tooling sitting
// next to it).
package healthsrv

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/golang/glog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TokenValidator checks a bearer token's validity and returns the caller
// identity to attach to the request context, the same role
// jwt.CheckTokenValidity plays for findy-agent's gRPC server.
type TokenValidator func(token string) (callerID string, err error)

type callerIDKey struct{}

// CallerID extracts the identity UnaryAuthInterceptor attached to ctx, if any.
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(callerIDKey{}).(string)
	return id
}

// UnaryAuthInterceptor rejects calls that do not carry a valid
// "authorization: Bearer <token>" metadata entry.
func UnaryAuthInterceptor(validate TokenValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		callerID, err := checkAuth(ctx, validate)
		if err != nil {
			glog.Warningf("healthsrv: rejected call to %s: %v", info.FullMethod, err)
			return nil, err
		}
		return handler(context.WithValue(ctx, callerIDKey{}, callerID), req)
	}
}

func checkAuth(ctx context.Context, validate TokenValidator) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", status.Error(codes.Unauthenticated, "missing authorization header")
	}
	token := strings.TrimPrefix(values[0], "Bearer ")
	callerID, err := validate(token)
	if err != nil {
		return "", status.Error(codes.Unauthenticated, fmt.Sprintf("invalid token: %v", err))
	}
	return callerID, nil
}

// HMACValidator returns a TokenValidator that checks an HS256-signed JWT
// against secret and returns its "sub" claim as the caller id, the
// dgrijalva/jwt-go idiom findy-common-go/jwt wraps for the same purpose.
func HMACValidator(secret []byte) TokenValidator {
	return func(tokenStr string) (string, error) {
		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			return "", err
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			return "", fmt.Errorf("token missing sub claim")
		}
		return sub, nil
	}
}
