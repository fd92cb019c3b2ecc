package gateway

import "github.com/wsprism/gateway/internal/wire"

// resolveTicket validates the handshake ticket and yields the user id.
// Stub resolver: the "dev" ticket maps to a fixed dev user. A real
// deployment swaps this for a call into the auth service; the handshake
// contract (401 on failure, before upgrade) stays the same.
func resolveTicket(ticket string) (string, error) {
	if ticket == "dev" {
		return "user:dev", nil
	}
	return "", wire.NewError(wire.CodeAuthFailed, "invalid ticket")
}
