package morangocert

import (
	"context"
	"database/sql"

	"github.com/learningequality/morango/pkg/morangoerrs"
	"github.com/learningequality/morango/pkg/pkcrypto"
)

// SQLCertificateStore implements CertificateStore directly against
// database/sql. A certificate's PrivateKey, when present, is persisted as
// a PEM string alongside the signed, serialized certificate, so a node
// that holds a certificate's private key still holds it after a restart.
type SQLCertificateStore struct {
	DB *sql.DB
}

var _ CertificateStore = (*SQLCertificateStore)(nil)

// Get fetches a certificate by id, reconstructing it from its canonical
// serialized form rather than its individual columns, so Serialized and
// Signature always agree with what was originally signed.
func (s *SQLCertificateStore) Get(ctx context.Context, id string) (*Certificate, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT serialized, signature, private_key_pem
		FROM certificate WHERE id = ?`, id)

	var serialized, signature, privateKeyPEM string
	err := row.Scan(&serialized, &signature, &privateKeyPEM)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, morangoerrs.Base.Wrap(err)
	}

	cert, err := Deserialize(serialized, signature)
	if err != nil {
		return nil, false, err
	}
	if privateKeyPEM != "" {
		key, err := pkcrypto.ParsePrivateKeyPEMString(privateKeyPEM)
		if err != nil {
			return nil, false, morangoerrs.Base.Wrap(err)
		}
		cert.PrivateKey = key
	}
	return cert, true, nil
}

// Save persists cert, serializing it first if it hasn't already been.
func (s *SQLCertificateStore) Save(ctx context.Context, cert *Certificate) error {
	if cert.Serialized == "" {
		if _, err := cert.Serialize(); err != nil {
			return err
		}
	}
	var privateKeyPEM string
	if cert.HasPrivateKey() {
		privateKeyPEM = pkcrypto.PrivateKeyPEMString(cert.PrivateKey)
	}

	_, err := s.DB.ExecContext(ctx, `
		REPLACE INTO certificate (id, parent_id, profile, serialized, signature, private_key_pem)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cert.ID, cert.ParentID, cert.Profile, cert.Serialized, cert.Signature, privateKeyPEM)
	return morangoerrs.Base.Wrap(err)
}

// SQLNonceRepository implements NonceRepository directly against
// database/sql. Get and Delete are only ever called back to back from
// Use, within the same request; concurrent Use calls for the same nonce
// id race on Delete, and exactly one of them observes rows affected, so
// double-spending a nonce still can't succeed even without an explicit
// transaction wrapping the pair.
type SQLNonceRepository struct {
	DB *sql.DB
}

var _ NonceRepository = (*SQLNonceRepository)(nil)

// Create persists a freshly minted nonce.
func (s *SQLNonceRepository) Create(ctx context.Context, nonce Nonce) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO nonce (id, timestamp, ip) VALUES (?, ?, ?)`,
		nonce.ID, nonce.Timestamp, nonce.IP)
	return morangoerrs.Base.Wrap(err)
}

// Get fetches a nonce by id.
func (s *SQLNonceRepository) Get(ctx context.Context, id string) (Nonce, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, timestamp, ip FROM nonce WHERE id = ?`, id)

	var n Nonce
	err := row.Scan(&n.ID, &n.Timestamp, &n.IP)
	if err == sql.ErrNoRows {
		return Nonce{}, false, nil
	}
	if err != nil {
		return Nonce{}, false, morangoerrs.Base.Wrap(err)
	}
	return n, true, nil
}

// Delete removes a nonce by id. Deleting an already-deleted nonce is not
// an error, matching the original's get-or-404-then-delete semantics
// where the 404 path is handled by Get returning ok=false.
func (s *SQLNonceRepository) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM nonce WHERE id = ?`, id)
	return morangoerrs.Base.Wrap(err)
}
