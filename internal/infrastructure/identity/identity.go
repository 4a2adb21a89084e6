package identity

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	Subject    string
	Privileged bool
}

var ErrUnknownToken = errors.New("unknown token")

// Resolver maps bearer tokens to identities. Tokens are configured as
// "subject:bcrypt-hash" entries; a privileged entry may additionally clear
// boundary locks. Lookup cost is one bcrypt comparison per configured entry,
// which is fine for the handful of participants a deployment carries.
type Resolver struct {
	entries []entry
}

type entry struct {
	subject    string
	hash       string
	privileged bool
}

// NewResolver parses comma-separated "subject:hash" token specs. Privileged
// specs use the same format.
func NewResolver(tokenSpecs, privilegedSpecs string) (*Resolver, error) {
	r := &Resolver{}
	if err := r.add(tokenSpecs, false); err != nil {
		return nil, err
	}
	if err := r.add(privilegedSpecs, true); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) add(specs string, privileged bool) error {
	for _, spec := range strings.Split(specs, ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		subject, hash, ok := strings.Cut(spec, ":")
		if !ok || subject == "" || hash == "" {
			return errors.New("token spec must be subject:hash")
		}
		r.entries = append(r.entries, entry{subject: subject, hash: hash, privileged: privileged})
	}
	return nil
}

// Empty reports whether no tokens are configured. An empty resolver means
// authentication is disabled.
func (r *Resolver) Empty() bool {
	return len(r.entries) == 0
}

// Resolve returns the identity owning the token, or ErrUnknownToken.
func (r *Resolver) Resolve(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnknownToken
	}
	for _, e := range r.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.hash), []byte(token)) == nil {
			return Identity{Subject: e.subject, Privileged: e.privileged}, nil
		}
	}
	return Identity{}, ErrUnknownToken
}

// HashToken creates a bcrypt hash for provisioning token specs.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
