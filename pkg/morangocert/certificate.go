package morangocert

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"strings"

	"github.com/learningequality/morango/pkg/morangoerrs"
	"github.com/learningequality/morango/pkg/pkcrypto"
)

// Certificate is a node in the certificate tree: it grants its holder
// (whoever has PrivateKey) read/write access to the partitions named by
// its scope, signed by its parent (or self-signed, for a root).
type Certificate struct {
	ID                string
	ParentID          string
	Profile           string
	Salt              string
	ScopeDefinitionID string
	ScopeVersion      int
	ScopeParams       map[string]string
	PublicKeyPEM      string
	Serialized        string
	Signature         string

	PrivateKey *rsa.PrivateKey
}

// HasPrivateKey reports whether this certificate can sign children.
func (c *Certificate) HasPrivateKey() bool {
	return c.PrivateKey != nil
}

// CalculateUUID derives the certificate's content-addressed id from its
// public key, profile, and salt, matching the original's
// uuid_input_fields = ("public_key", "profile", "salt").
func (c *Certificate) CalculateUUID() string {
	return pkcrypto.ContentUUID(c.PublicKeyPEM, c.Profile, c.Salt)
}

// scopeParamsJSON serializes ScopeParams deterministically (sorted keys)
// so that two peers computing the same certificate always produce
// byte-identical signed bytes.
func (c *Certificate) scopeParamsJSON() (string, error) {
	raw, err := json.Marshal(c.ScopeParams)
	if err != nil {
		return "", morangoerrs.Base.Wrap(err)
	}
	return string(raw), nil
}

// Serialize produces the canonical JSON form that gets signed: fields are
// emitted in the exact fixed order
// id, parent_id, profile, salt, scope_definition_id, scope_version,
// scope_params, public_key_string — pinned explicitly here (not left to
// struct field order) because these bytes are what the signature covers.
func (c *Certificate) Serialize() (string, error) {
	if c.ID == "" {
		c.ID = c.CalculateUUID()
	}
	scopeParams, err := c.scopeParamsJSON()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte('{')
	writeField(&b, "id", c.ID, true)
	writeField(&b, "parent_id", c.ParentID, true)
	writeField(&b, "profile", c.Profile, true)
	writeField(&b, "salt", c.Salt, true)
	writeField(&b, "scope_definition_id", c.ScopeDefinitionID, true)
	writeRawField(&b, "scope_version", jsonIntString(c.ScopeVersion), true)
	writeRawField(&b, "scope_params", scopeParams, true)
	writeField(&b, "public_key_string", c.PublicKeyPEM, false)
	b.WriteByte('}')
	c.Serialized = b.String()
	return c.Serialized, nil
}

func writeField(b *strings.Builder, key, value string, comma bool) {
	encoded, _ := json.Marshal(value)
	writeRawField(b, key, string(encoded), comma)
}

func writeRawField(b *strings.Builder, key, rawValue string, comma bool) {
	keyEncoded, _ := json.Marshal(key)
	b.Write(keyEncoded)
	b.WriteByte(':')
	b.WriteString(rawValue)
	if comma {
		b.WriteByte(',')
	}
}

func jsonIntString(n int) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

type wireCertificate struct {
	ID                string            `json:"id"`
	ParentID          string            `json:"parent_id"`
	Profile           string            `json:"profile"`
	Salt              string            `json:"salt"`
	ScopeDefinitionID string            `json:"scope_definition_id"`
	ScopeVersion      int               `json:"scope_version"`
	ScopeParams       map[string]string `json:"scope_params"`
	PublicKeyString   string            `json:"public_key_string"`
}

// Deserialize reconstructs a Certificate from its canonical serialized
// JSON and an accompanying signature, without verifying either — callers
// must call Check before trusting the result.
func Deserialize(serialized, signature string) (*Certificate, error) {
	var w wireCertificate
	if err := json.Unmarshal([]byte(serialized), &w); err != nil {
		return nil, morangoerrs.Base.Wrap(err)
	}
	return &Certificate{
		ID:                w.ID,
		ParentID:          w.ParentID,
		Profile:           w.Profile,
		Salt:              w.Salt,
		ScopeDefinitionID: w.ScopeDefinitionID,
		ScopeVersion:      w.ScopeVersion,
		ScopeParams:       w.ScopeParams,
		PublicKeyPEM:      w.PublicKeyString,
		Serialized:        serialized,
		Signature:         signature,
	}, nil
}

// GenerateRoot creates a new self-signed root certificate for scopeDefID,
// generating a fresh RSA keypair and setting the scope's primary param
// to the certificate's own id, per generate_root_certificate.
func GenerateRoot(ctx context.Context, defs ScopeDefinitionStore, scopeDefID string, salt string, extraParams map[string]string) (*Certificate, error) {
	def, ok, err := defs.Get(ctx, scopeDefID)
	if err != nil {
		return nil, morangoerrs.Base.Wrap(err)
	}
	if !ok {
		return nil, morangoerrs.Base.New("unknown scope definition %q", scopeDefID)
	}
	if def.PrimaryScopeParamKey == "" {
		return nil, morangoerrs.Base.New("root cert can only be created for a scope definition with a primary_scope_param_key")
	}

	key, err := pkcrypto.GenerateKey()
	if err != nil {
		return nil, morangoerrs.Base.Wrap(err)
	}
	pubPEM, err := pkcrypto.PublicKeyPEMString(pkcrypto.PublicKeyFromPrivate(key))
	if err != nil {
		return nil, morangoerrs.Base.Wrap(err)
	}

	cert := &Certificate{
		Profile:           def.Profile,
		Salt:              salt,
		ScopeDefinitionID: def.ID,
		ScopeVersion:      def.Version,
		PublicKeyPEM:      pubPEM,
		PrivateKey:        key,
	}
	cert.ID = cert.CalculateUUID()

	scopeParams := map[string]string{def.PrimaryScopeParamKey: cert.ID}
	for k, v := range extraParams {
		scopeParams[k] = v
	}
	cert.ScopeParams = scopeParams

	if err := cert.SignSelf(); err != nil {
		return nil, err
	}
	return cert, nil
}

// SignSelf serializes and self-signs a root certificate.
func (c *Certificate) SignSelf() error {
	return c.signWith(c)
}

// SignChild serializes (if needed) and signs child with c's private key.
func (c *Certificate) SignChild(child *Certificate) error {
	return c.signWith(child)
}

func (c *Certificate) signWith(target *Certificate) error {
	if !c.HasPrivateKey() {
		return morangoerrs.Base.New("certificate %s has no private key to sign with", c.ID)
	}
	if target.Serialized == "" {
		if _, err := target.Serialize(); err != nil {
			return err
		}
	}
	sig, err := pkcrypto.Sign(c.PrivateKey, []byte(target.Serialized))
	if err != nil {
		return morangoerrs.Base.Wrap(err)
	}
	target.Signature = sig
	return nil
}

// Verify checks signature against value using c's public key.
func (c *Certificate) Verify(value, signature string) error {
	pub, err := pkcrypto.ParsePublicKeyPEMString(c.PublicKeyPEM)
	if err != nil {
		return morangoerrs.Base.Wrap(err)
	}
	return pkcrypto.Verify(pub, []byte(value), signature)
}

// Check validates c against its parent (nil for a self-signed root),
// per check_certificate: id integrity, signature, scope containment
// (root scopes must all start with the cert's own id; child scopes must
// be a subset of the parent's), and matching profile.
func (c *Certificate) Check(ctx context.Context, parent *Certificate, defs ScopeDefinitionStore) error {
	if c.ID != c.CalculateUUID() {
		return morangoerrs.ErrCertificateIDInvalid.New("certificate id is %s but should be %s", c.ID, c.CalculateUUID())
	}

	scope, err := c.getScope(ctx, defs)
	if err != nil {
		return err
	}

	if parent == nil {
		if err := c.Verify(c.Serialized, c.Signature); err != nil {
			return morangoerrs.ErrCertificateSignatureInvalid.Wrap(err)
		}
		for _, item := range append(append(Filter{}, scope.ReadFilter...), scope.WriteFilter...) {
			if !strings.HasPrefix(item, c.ID) {
				return morangoerrs.ErrCertificateRootScopeInvalid.New("scope entry %s does not start with primary partition %s", item, c.ID)
			}
		}
		return nil
	}

	if err := parent.Verify(c.Serialized, c.Signature); err != nil {
		return morangoerrs.ErrCertificateSignatureInvalid.Wrap(err)
	}
	parentScope, err := parent.getScope(ctx, defs)
	if err != nil {
		return err
	}
	if err := scope.VerifySubsetOf(parentScope); err != nil {
		return err
	}
	if c.Profile != parent.Profile {
		return morangoerrs.ErrCertificateProfileInvalid.New("certificate profile is %s but parent's is %s", c.Profile, parent.Profile)
	}
	return nil
}

func (c *Certificate) getScope(ctx context.Context, defs ScopeDefinitionStore) (Scope, error) {
	def, ok, err := defs.Get(ctx, c.ScopeDefinitionID)
	if err != nil {
		return Scope{}, morangoerrs.Base.Wrap(err)
	}
	if !ok {
		return Scope{}, morangoerrs.Base.New("unknown scope definition %q", c.ScopeDefinitionID)
	}
	return def.GetScope(c.ScopeParams), nil
}

// CertificateStore is the persistence boundary for saved certificates.
type CertificateStore interface {
	Get(ctx context.Context, id string) (*Certificate, bool, error)
	Save(ctx context.Context, cert *Certificate) error
}

// SaveChain verifies and persists a certificate chain ordered root first,
// leaf last (chain[len-1] is the leaf), recursing from the leaf up toward
// the root exactly as save_certificate_chain: each certificate is only
// trusted once its parent has been resolved and saved.
func SaveChain(ctx context.Context, store CertificateStore, defs ScopeDefinitionStore, chain []*Certificate, expectedLastID string) (*Certificate, error) {
	if len(chain) == 0 {
		return nil, morangoerrs.Base.New("empty certificate chain")
	}

	leaf := chain[len(chain)-1]
	if expectedLastID != "" && leaf.ID != expectedLastID {
		return nil, morangoerrs.Base.New("certificate id %s does not match expected %s", leaf.ID, expectedLastID)
	}

	if existing, ok, err := store.Get(ctx, leaf.ID); err != nil {
		return nil, morangoerrs.Base.Wrap(err)
	} else if ok {
		return existing, nil
	}

	var parent *Certificate
	if len(chain) > 1 {
		var err error
		parent, err = SaveChain(ctx, store, defs, chain[:len(chain)-1], leaf.ParentID)
		if err != nil {
			return nil, err
		}
	} else if leaf.ParentID != "" {
		return nil, morangoerrs.Base.New("first certificate in chain must be a root certificate with no parent")
	}

	if err := leaf.Check(ctx, parent, defs); err != nil {
		return nil, err
	}

	if err := store.Save(ctx, leaf); err != nil {
		return nil, morangoerrs.Base.Wrap(err)
	}
	return leaf, nil
}
