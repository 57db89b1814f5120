package auth

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/marmos91/roost/internal/protocol/proto"
)

// digestProvider authenticates "user:password" credentials. The stored
// identity carries the username and a base64 SHA-1 digest of the full
// credential, so the plaintext password never leaves the auth path.
type digestProvider struct{}

func (*digestProvider) Scheme() string { return "digest" }

func (*digestProvider) Handle(c Conn, authData []byte) error {
	cred := string(authData)
	idx := strings.IndexByte(cred, ':')
	if idx <= 0 {
		return fmt.Errorf("malformed digest credential")
	}
	c.AddAuthInfo(proto.ID{Scheme: "digest", ID: generateDigest(cred)})
	return nil
}

// generateDigest renders "user:base64(sha1(user:password))".
func generateDigest(cred string) string {
	user := cred[:strings.IndexByte(cred, ':')]
	sum := sha1.Sum([]byte(cred))
	return user + ":" + base64.StdEncoding.EncodeToString(sum[:])
}
