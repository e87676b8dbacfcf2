// Package xerrors defines the typed error kinds raised across the filter
// pipeline and a field-carrying wrapper modeled after maddy's exterrors
// package, so a logger can pull structured context (session, token, domain,
// selector) out of an error without type-switching on it.
package xerrors

import "errors"

// Kinds. These are sentinel values; test with errors.Is.
var (
	ErrBadFilterLine    = errors.New("bad filter protocol line")
	ErrMalformedMessage = errors.New("malformed RFC 5322 message")
	ErrDomainNotSigned  = errors.New("SDID not in configured domain set")
	ErrNoKeyAvailable   = errors.New("no signing key available after retries")
	ErrSignFailure      = errors.New("signing operation failed")
	ErrRotationFailure  = errors.New("key rotation failed for domain")
	ErrStoreUnavailable = errors.New("key store unavailable")
)

type fieldsErr interface {
	Fields() map[string]interface{}
}

type unwrapper interface {
	Unwrap() error
}

type fieldsWrap struct {
	err    error
	fields map[string]interface{}
}

func (fw fieldsWrap) Error() string { return fw.err.Error() }
func (fw fieldsWrap) Unwrap() error { return fw.err }
func (fw fieldsWrap) Fields() map[string]interface{} {
	return fw.fields
}

// WithFields annotates err with structured context. The wrapped error is
// still matched by errors.Is/errors.As against the sentinel it wraps.
func WithFields(err error, fields map[string]interface{}) error {
	return fieldsWrap{err: err, fields: fields}
}

// Fields walks the Unwrap chain and collects all Fields() results, outer
// values winning over inner ones for duplicate keys.
func Fields(err error) map[string]interface{} {
	fields := make(map[string]interface{}, 5)

	for err != nil {
		if fe, ok := err.(fieldsErr); ok {
			for k, v := range fe.Fields() {
				if fields[k] != nil {
					continue
				}
				fields[k] = v
			}
		}

		uw, ok := err.(unwrapper)
		if !ok {
			break
		}
		err = uw.Unwrap()
	}

	return fields
}
