// Package token implements the external ecash token encoding: decoding a
// client-presented token string into proofs, and re-encoding proofs into a
// token a wallet can redeem. Two wire versions are supported: V3 ("cashuA",
// base64url JSON) and V4 ("cashuB", base64url CBOR).
package token

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const prefix = "cashu"

// Proof is a single unspent-token fragment. It is never mutated after decode.
type Proof struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

// Stamp is the decoded representation of a client-presented token.
// The total amount is always recomputed from the proofs, never stored.
type Stamp struct {
	Proofs  []Proof
	MintURL string
	Unit    string
	Memo    string
	Version int
}

// Amount returns the sum of the proof amounts.
func (s *Stamp) Amount() uint64 {
	var total uint64
	for _, p := range s.Proofs {
		total += p.Amount
	}
	return total
}

// Secrets returns the proof secrets in proof order.
func (s *Stamp) Secrets() []string {
	secrets := make([]string, len(s.Proofs))
	for i, p := range s.Proofs {
		secrets[i] = p.Secret
	}
	return secrets
}

// SumProofs returns the total amount carried by a proof set.
func SumProofs(proofs []Proof) uint64 {
	var total uint64
	for _, p := range proofs {
		total += p.Amount
	}
	return total
}

// v3Token is the JSON body of a cashuA token.
type v3Token struct {
	Token []v3Entry `json:"token"`
	Unit  string    `json:"unit,omitempty"`
	Memo  string    `json:"memo,omitempty"`
}

type v3Entry struct {
	Mint   string  `json:"mint"`
	Proofs []Proof `json:"proofs"`
}

// v4Token is the CBOR body of a cashuB token. Keyset ids and commitments
// travel as raw bytes in V4 and as hex strings everywhere else.
type v4Token struct {
	Mint  string    `cbor:"m"`
	Unit  string    `cbor:"u"`
	Memo  string    `cbor:"d,omitempty"`
	Token []v4Entry `cbor:"t"`
}

type v4Entry struct {
	ID     []byte    `cbor:"i"`
	Proofs []v4Proof `cbor:"p"`
}

type v4Proof struct {
	Amount uint64 `cbor:"a"`
	Secret string `cbor:"s"`
	C      []byte `cbor:"c"`
}

// DetectVersion reports the wire version of a raw token string without
// decoding the payload. It fails with ErrMalformedToken for strings that are
// not token-shaped at all, and ErrUnsupportedVersion for recognized tokens
// of a version this package does not speak.
func DetectVersion(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, prefix) || len(raw) < len(prefix)+2 {
		return 0, ErrMalformedToken("missing cashu prefix")
	}
	switch raw[len(prefix)] {
	case 'A':
		return 3, nil
	case 'B':
		return 4, nil
	default:
		return 0, ErrUnsupportedVersion(fmt.Sprintf("unknown token version marker %q", raw[len(prefix)]))
	}
}

// Decode parses a raw token string into a Stamp. Decoding is pure and
// deterministic: the same input always yields the same Stamp or the same
// error.
func Decode(raw string) (*Stamp, error) {
	stamp, _, err := decode(raw, false)
	return stamp, err
}

// DecodeStep records one stage of a diagnostic decode.
type DecodeStep struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
	OK     bool   `json:"ok"`
}

// DecodeWithTrace behaves exactly like Decode but additionally returns the
// per-stage decode metadata, which is useful when debugging version
// mismatches between wallets and the gateway.
func DecodeWithTrace(raw string) (*Stamp, []DecodeStep, error) {
	return decode(raw, true)
}

func decode(raw string, trace bool) (*Stamp, []DecodeStep, error) {
	var steps []DecodeStep
	record := func(stage, detail string, ok bool) {
		if trace {
			steps = append(steps, DecodeStep{Stage: stage, Detail: detail, OK: ok})
		}
	}

	version, err := DetectVersion(raw)
	if err != nil {
		record("version", err.Error(), false)
		return nil, steps, err
	}
	record("version", fmt.Sprintf("detected v%d", version), true)

	payload, err := decodeBase64(strings.TrimSpace(raw)[len(prefix)+1:])
	if err != nil {
		record("payload", err.Error(), false)
		return nil, steps, ErrMalformedToken("invalid base64 payload")
	}
	record("payload", fmt.Sprintf("%d bytes", len(payload)), true)

	var stamp *Stamp
	switch version {
	case 3:
		stamp, err = decodeV3(payload)
	case 4:
		stamp, err = decodeV4(payload)
	}
	if err != nil {
		record("parse", err.Error(), false)
		return nil, steps, err
	}
	record("parse", fmt.Sprintf("mint %s, unit %s", stamp.MintURL, stamp.Unit), true)

	if len(stamp.Proofs) == 0 {
		record("proofs", "no proofs", false)
		return nil, steps, ErrEmptyProofs()
	}
	record("proofs", fmt.Sprintf("%d proofs, amount %d", len(stamp.Proofs), stamp.Amount()), true)

	stamp.Version = version
	return stamp, steps, nil
}

func decodeV3(payload []byte) (*Stamp, error) {
	var tok v3Token
	if err := json.Unmarshal(payload, &tok); err != nil {
		return nil, ErrMalformedToken("invalid token JSON")
	}
	if len(tok.Token) == 0 {
		return nil, ErrEmptyProofs()
	}
	stamp := &Stamp{
		MintURL: tok.Token[0].Mint,
		Unit:    tok.Unit,
		Memo:    tok.Memo,
	}
	if stamp.Unit == "" {
		stamp.Unit = "sat"
	}
	for _, entry := range tok.Token {
		if entry.Mint != stamp.MintURL {
			return nil, ErrMalformedToken("token spans multiple mints")
		}
		stamp.Proofs = append(stamp.Proofs, entry.Proofs...)
	}
	return stamp, nil
}

func decodeV4(payload []byte) (*Stamp, error) {
	var tok v4Token
	if err := cbor.Unmarshal(payload, &tok); err != nil {
		return nil, ErrMalformedToken("invalid token CBOR")
	}
	stamp := &Stamp{
		MintURL: tok.Mint,
		Unit:    tok.Unit,
		Memo:    tok.Memo,
	}
	if stamp.Unit == "" {
		stamp.Unit = "sat"
	}
	for _, entry := range tok.Token {
		id := hex.EncodeToString(entry.ID)
		for _, p := range entry.Proofs {
			stamp.Proofs = append(stamp.Proofs, Proof{
				Amount: p.Amount,
				ID:     id,
				Secret: p.Secret,
				C:      hex.EncodeToString(p.C),
			})
		}
	}
	return stamp, nil
}

// Encode re-serializes a Stamp into the external wire format, using the
// version the stamp was decoded from (V3 when unset). The result
// round-trips through Decode.
func Encode(stamp *Stamp) (string, error) {
	if stamp == nil || len(stamp.Proofs) == 0 {
		return "", ErrEmptyProofs()
	}
	switch stamp.Version {
	case 0, 3:
		return encodeV3(stamp)
	case 4:
		return encodeV4(stamp)
	default:
		return "", ErrUnsupportedVersion(fmt.Sprintf("cannot encode token version %d", stamp.Version))
	}
}

func encodeV3(stamp *Stamp) (string, error) {
	payload, err := json.Marshal(v3Token{
		Token: []v3Entry{{Mint: stamp.MintURL, Proofs: stamp.Proofs}},
		Unit:  stamp.Unit,
		Memo:  stamp.Memo,
	})
	if err != nil {
		return "", err
	}
	return prefix + "A" + base64.RawURLEncoding.EncodeToString(payload), nil
}

func encodeV4(stamp *Stamp) (string, error) {
	byKeyset := make(map[string][]v4Proof)
	var order []string
	for _, p := range stamp.Proofs {
		c, err := hex.DecodeString(p.C)
		if err != nil {
			return "", ErrMalformedToken("proof commitment is not hex")
		}
		if _, seen := byKeyset[p.ID]; !seen {
			order = append(order, p.ID)
		}
		byKeyset[p.ID] = append(byKeyset[p.ID], v4Proof{Amount: p.Amount, Secret: p.Secret, C: c})
	}

	tok := v4Token{Mint: stamp.MintURL, Unit: stamp.Unit, Memo: stamp.Memo}
	for _, id := range order {
		rawID, err := hex.DecodeString(id)
		if err != nil {
			return "", ErrMalformedToken("keyset id is not hex")
		}
		tok.Token = append(tok.Token, v4Entry{ID: rawID, Proofs: byKeyset[id]})
	}

	payload, err := cbor.Marshal(tok)
	if err != nil {
		return "", err
	}
	return prefix + "B" + base64.RawURLEncoding.EncodeToString(payload), nil
}

// decodeBase64 accepts both padded and unpadded base64url payloads; wallets
// differ on whether they strip padding.
func decodeBase64(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
