// Package identity validates the connection identity a client presents when
// opening a channel.
package identity

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/session"
)

// Query parameters carrying the identity.
const (
	WalletParam = "wallet_address"
	ChatIDParam = "chat_id"
)

var walletPattern = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// Identity is a validated connection identity.
type Identity struct {
	WalletAddress string
	// ChatID is in canonical lowercase hyphenated form.
	ChatID string
}

// FromRequest reads and validates the identity query parameters. Errors
// wrap domain.ErrConnectionRejected.
func FromRequest(r *http.Request) (Identity, error) {
	q := r.URL.Query()
	wallet := strings.TrimSpace(q.Get(WalletParam))
	if !ValidWallet(wallet) {
		return Identity{}, fmt.Errorf("%w: invalid %s", domain.ErrConnectionRejected, WalletParam)
	}
	chatID, err := session.ParseIdentity(strings.TrimSpace(q.Get(ChatIDParam)))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", domain.ErrConnectionRejected, err)
	}
	return Identity{WalletAddress: wallet, ChatID: chatID}, nil
}

// ValidWallet reports whether addr looks like a hex wallet address. Only the
// format is checked; ownership is not verified.
func ValidWallet(addr string) bool {
	return walletPattern.MatchString(addr)
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
