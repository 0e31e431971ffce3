// Package capability implements possession-based authorization tokens. The
// router mints a token per privileged scope at wiring time and hands it to the
// component that needs access; callees verify the presented token against the
// shared issuer on every call. Tokens are unforgeable in the practical sense:
// the id is random and the issuer only honours ids it minted itself.
package capability

import (
	"fmt"

	"github.com/google/uuid"

	"degenlend/errs"
)

// Token is an opaque credential. The zero value never authorizes anything.
type Token struct {
	id uuid.UUID
}

// Issuer mints and verifies tokens. One issuer is shared per deployment.
type Issuer struct {
	minted map[uuid.UUID]string
}

// NewIssuer constructs an empty issuer.
func NewIssuer() *Issuer {
	return &Issuer{minted: make(map[uuid.UUID]string)}
}

// Mint creates a token bound to the given scope.
func (i *Issuer) Mint(scope string) Token {
	tok := Token{id: uuid.New()}
	i.minted[tok.id] = scope
	return tok
}

// Holds reports whether the token was minted by this issuer for the scope.
func (i *Issuer) Holds(tok Token, scope string) bool {
	if i == nil || tok.id == uuid.Nil {
		return false
	}
	return i.minted[tok.id] == scope
}

// Gate guards one privileged scope on behalf of a callee.
type Gate struct {
	issuer *Issuer
	scope  string
}

// NewGate constructs a gate verifying against the shared issuer.
func NewGate(issuer *Issuer, scope string) *Gate {
	return &Gate{issuer: issuer, scope: scope}
}

// Authorize verifies the presented token. The check happens per call; gates
// hold no session state.
func (g *Gate) Authorize(tok Token) error {
	if g == nil || g.issuer == nil || !g.issuer.Holds(tok, g.scope) {
		return fmt.Errorf("%w: missing %q credential", errs.Unauthorized, g.scopeName())
	}
	return nil
}

func (g *Gate) scopeName() string {
	if g == nil {
		return ""
	}
	return g.scope
}
