// Package signer implements the Signer (spec §4.I): SDID extraction,
// signing-key lookup with bounded retry, the signed-header list, body and
// header hashing, and DKIM-Signature header assembly. Grounded on
// original_source/src/signature.rs for the algorithm (except its SDID
// extraction's two-byte drop, which is not carried over; see extractSDID) and on
// other_examples/5aa9dc87_emersion-go-msgauth__sign.go.go for the idiomatic
// Go shape of a DKIM signer.
package signer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/smtpd-filters/dkimout/internal/canon"
	"github.com/smtpd-filters/dkimout/internal/config"
	"github.com/smtpd-filters/dkimout/internal/keyalgo"
	"github.com/smtpd-filters/dkimout/internal/keystore"
	"github.com/smtpd-filters/dkimout/internal/rfc5322"
	"github.com/smtpd-filters/dkimout/internal/xerrors"
)

// SigRetryNbRetry and SigRetrySleepTime bound the poll loop for a signing
// key that rotation has not produced yet (spec §4.I step 3, §9 "retry on
// missing key at sign time"). Not given literal values by the retrieved
// reference source; chosen so the total wait (10s) matches the scheduler's
// own startup cadence noted in spec §4.H step 3.
const (
	SigRetryNbRetry   = 5
	SigRetrySleepTime = 2 * time.Second
)

// KeyLookup is the read-only subset of the key store the signer needs,
// satisfied by *keystore.Store. Expressed as an interface so tests can
// substitute an in-memory stand-in without a real SQLite file.
type KeyLookup interface {
	LatestSigningKey(ctx context.Context, sdid, algorithm string) (selector, privateKeyB64 string, ok bool, err error)
}

// Clock abstracts "now" and "sleep" so retry timing is testable.
type Clock struct {
	Now   func() time.Time
	Sleep func(time.Duration)
}

// RealClock is the production Clock.
func RealClock() Clock {
	return Clock{Now: time.Now, Sleep: time.Sleep}
}

// Signer signs one reconstructed message at a time; it holds no mutable
// state of its own and is safe to share across goroutines (spec §5: the
// signing path is read-only against key data).
type Signer struct {
	Store KeyLookup
	Cfg   config.Config
	Clock Clock
}

// New builds a Signer. If clock is the zero value, RealClock() is used.
func New(store KeyLookup, cfg config.Config, clock Clock) *Signer {
	if clock.Now == nil || clock.Sleep == nil {
		clock = RealClock()
	}
	return &Signer{Store: store, Cfg: cfg, Clock: clock}
}

// Result is the outcome of signing one message.
type Result struct {
	Header []byte // the DKIM-Signature header, including its own trailing CRLF
}

// Sign parses msgBuf per spec §4.D and, on success, returns the
// DKIM-Signature header to prepend to it. Every returned error is one of
// xerrors' typed kinds; the caller's policy (spec §7) is always "log and
// emit the original message unchanged" - Sign never mutates msgBuf itself,
// so the original bytes remain emittable regardless of the outcome.
func (s *Signer) Sign(ctx context.Context, msgBuf []byte) (Result, error) {
	msg, err := rfc5322.Split(msgBuf)
	if err != nil {
		return Result{}, err
	}

	sdid, err := s.extractAndValidateSDID(msg)
	if err != nil {
		return Result{}, err
	}

	selector, privateKeyB64, err := s.lookupSigningKey(ctx, sdid)
	if err != nil {
		return Result{}, err
	}

	headerNames := signedHeaderList(s.Cfg, msg)

	bodyHash := sha256.Sum256(canon.Body(bodyMode(s.Cfg), msg.Body))

	timestamp := s.Clock.Now().Unix()
	unsigned := assembleHeader(assembleParams{
		alg:          s.Cfg.Algorithm,
		canon:        s.Cfg.Canon,
		selector:     selector,
		sdid:         sdid,
		timestamp:    timestamp,
		expires:      s.Cfg.Expiration,
		headers:      headerNames,
		bodyHash:     bodyHash[:],
		signatureB64: "",
	})

	headerHash := computeHeaderHash(s.Cfg, msg, headerNames, unsigned)

	sig, err := s.Cfg.Algorithm.Sign(privateKeyB64, headerHash[:])
	if err != nil {
		return Result{}, err
	}

	final := assembleHeader(assembleParams{
		alg:          s.Cfg.Algorithm,
		canon:        s.Cfg.Canon,
		selector:     selector,
		sdid:         sdid,
		timestamp:    timestamp,
		expires:      s.Cfg.Expiration,
		headers:      headerNames,
		bodyHash:     bodyHash[:],
		signatureB64: base64.StdEncoding.EncodeToString(sig),
	})

	return Result{Header: append(final, '\r', '\n')}, nil
}

func bodyMode(cfg config.Config) canon.Mode {
	if cfg.Canon.Body == config.Relaxed {
		return canon.Relaxed
	}
	return canon.Simple
}

func headerMode(cfg config.Config) canon.Mode {
	if cfg.Canon.Header == config.Relaxed {
		return canon.Relaxed
	}
	return canon.Simple
}

// extractSDID implements spec §9's documented SDID-extraction rule: take the
// bytes after the last '@' in the From header value, ending at the first
// '>', or - if there is none - running to the end of the value. The
// reference (original_source/src/signature.rs, via parsed_message.rs's
// untrimmed header Value) drops the trailing two bytes in the no-'>' branch
// to compensate for a CRLF it never strips from Value; this port's
// rfc5322.Header.Value is already CRLF-trimmed (see message.go's
// parseOneHeader), so that compensation would instead eat two real domain
// bytes and must not be carried over.
func extractSDID(msg rfc5322.Message) (string, bool) {
	from, ok := msg.Find("from")
	if !ok {
		return "", false
	}
	value := from.Value
	at := -1
	for i := len(value) - 1; i >= 0; i-- {
		if value[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return "", false
	}
	name := value[at+1:]
	end := len(name)
	for i, b := range name {
		if b == '>' {
			end = i
			break
		}
	}
	return string(name[:end]), true
}

func (s *Signer) extractAndValidateSDID(msg rfc5322.Message) (string, error) {
	raw, ok := extractSDID(msg)
	if !ok {
		return "", fmt.Errorf("%w: unable to determine the SDID from From header", xerrors.ErrDomainNotSigned)
	}
	sdid, err := idna.ToASCII(strings.TrimSpace(raw))
	if err != nil {
		sdid = strings.TrimSpace(raw)
	}
	if !s.Cfg.HasDomain(sdid) {
		return "", xerrors.WithFields(
			fmt.Errorf("%w: %s", xerrors.ErrDomainNotSigned, sdid),
			map[string]interface{}{"sdid": sdid},
		)
	}
	return sdid, nil
}

func (s *Signer) lookupSigningKey(ctx context.Context, sdid string) (selector, privateKeyB64 string, err error) {
	algName := s.Cfg.Algorithm.String()
	for attempt := 0; ; attempt++ {
		selector, privateKeyB64, ok, err := s.Store.LatestSigningKey(ctx, sdid, algName)
		if err != nil {
			return "", "", err
		}
		if ok {
			return selector, privateKeyB64, nil
		}
		if attempt >= SigRetryNbRetry {
			return "", "", xerrors.WithFields(
				fmt.Errorf("%w: no key for (%s, %s) after %d retries", xerrors.ErrNoKeyAvailable, sdid, algName, SigRetryNbRetry),
				map[string]interface{}{"sdid": sdid, "algorithm": algName},
			)
		}
		s.Clock.Sleep(SigRetrySleepTime)
	}
}

// signedHeaderList computes the h= tag's header name list (spec §4.I
// step 4): required headers contribute their actual original-case name if
// present, else the configured name itself acts as its own placeholder;
// optional headers are included only if present. The result is sorted
// lexicographically.
func signedHeaderList(cfg config.Config, msg rfc5322.Message) []string {
	out := make([]string, 0, len(cfg.SignedHeaders)+len(cfg.OptionalHeaders))
	for _, name := range cfg.SignedHeaders {
		if h, ok := msg.Find(name); ok {
			out = append(out, h.Name)
		} else {
			out = append(out, name)
		}
	}
	for _, name := range cfg.OptionalHeaders {
		if h, ok := msg.Find(name); ok {
			out = append(out, h.Name)
		}
	}
	sort.Strings(out)
	return out
}

// computeHeaderHash hashes the canonicalized raw bytes of each header in
// headerNames (in listed order, skipping names with no actual header
// present in the message - oversigned/absent headers contribute nothing),
// followed by the canonicalized, CRLF-stripped form of unsignedHeader
// (spec §4.I step 6).
func computeHeaderHash(cfg config.Config, msg rfc5322.Message, headerNames []string, unsignedHeader []byte) [32]byte {
	hasher := sha256.New()
	mode := headerMode(cfg)

	for _, name := range headerNames {
		h, ok := msg.Find(name)
		if !ok {
			continue
		}
		hasher.Write(canon.Header(mode, h.Raw))
	}

	raw := append(append([]byte(nil), unsignedHeader...), '\r', '\n')
	canonicalized := canon.Header(mode, raw)
	canonicalized = trimCRLF(canonicalized)
	hasher.Write(canonicalized)

	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

func trimCRLF(b []byte) []byte {
	if len(b) >= 2 && b[len(b)-2] == '\r' && b[len(b)-1] == '\n' {
		return b[:len(b)-2]
	}
	return b
}

type assembleParams struct {
	alg          keyalgo.Algorithm
	canon        config.CanonPair
	selector     string
	sdid         string
	timestamp    int64
	expires      int64
	headers      []string
	bodyHash     []byte
	signatureB64 string
}

// assembleHeader builds the DKIM-Signature header text (without its
// trailing CRLF) in the exact tag layout spec §8's S1/S2 vectors require:
// one tag group per continuation line, joined by "\r\n\t".
func assembleHeader(p assembleParams) []byte {
	var b strings.Builder
	b.WriteString("DKIM-Signature: v=1; a=")
	b.WriteString(p.alg.WireName())
	b.WriteString("; k=")
	b.WriteString(p.alg.KeyType())
	b.WriteString("; c=")
	b.WriteString(p.canon.String())
	b.WriteString(";\r\n\tt=")
	b.WriteString(strconv.FormatInt(p.timestamp, 10))
	b.WriteString(";")
	if p.expires > 0 {
		b.WriteString(" x=")
		b.WriteString(strconv.FormatInt(p.timestamp+p.expires, 10))
		b.WriteString(";")
	}
	b.WriteString("\r\n\td=")
	b.WriteString(p.sdid)
	b.WriteString(";\r\n\ts=")
	b.WriteString(p.selector)
	b.WriteString(";\r\n\th=")
	b.WriteString(strings.Join(p.headers, ":"))
	b.WriteString(";\r\n\tbh=")
	b.WriteString(base64.StdEncoding.EncodeToString(p.bodyHash))
	b.WriteString(";\r\n\tb=")
	b.WriteString(p.signatureB64)
	return []byte(b.String())
}
