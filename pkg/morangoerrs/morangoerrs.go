// Package morangoerrs collects the error classes shared across the module,
// mirroring the exception hierarchy of the original implementation's
// errors.py so call sites can recover the same distinctions with
// errors.Is/errs.Is rather than string matching.
package morangoerrs

import "github.com/zeebo/errs"

// Base is the root error class for every error this module returns.
var Base = errs.Class("morango")

// Model registry / configuration errors.
var (
	ErrModelRegistryNotReady           = errs.Class("model registry not ready")
	ErrInvalidModelConfiguration       = errs.Class("invalid morango model configuration")
	ErrUnsupportedFieldType            = errs.Class("unsupported field type")
)

// Certificate errors.
var (
	ErrCertificate               = errs.Class("certificate error")
	ErrCertificateScopeNotSubset = errs.Class("certificate scope not subset")
	ErrCertificateSignatureInvalid = errs.Class("certificate signature invalid")
	ErrCertificateIDInvalid      = errs.Class("certificate id invalid")
	ErrCertificateProfileInvalid = errs.Class("certificate profile invalid")
	ErrCertificateRootScopeInvalid = errs.Class("certificate root scope invalid")
)

// Nonce errors.
var (
	ErrNonce            = errs.Class("nonce error")
	ErrNonceDoesNotExist = errs.Class("nonce does not exist")
	ErrNonceExpired      = errs.Class("nonce expired")
)

// Session / transfer errors.
var (
	ErrServerDoesNotAllowCertPush = errs.Class("server does not allow new cert push")
	ErrLimitExceeded              = errs.Class("fsic limit exceeded")
	ErrResumeSync                 = errs.Class("cannot resume sync")
	ErrContextUpdate              = errs.Class("context update")
)
