package debttoken

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"lienchain/core/events"
	"lienchain/core/types"
	nativecommon "lienchain/native/common"
	"lienchain/native/loan"
	"lienchain/native/roles"
)

const moduleName = "debttoken"

var (
	errNilState = errors.New("debt tokenizer: state not configured")

	// ErrNotConfigured is returned when no receipt-token contract address
	// has been set.
	ErrNotConfigured = errors.New("debt tokenizer: token contract not configured")

	// ErrMintTimelocked is returned for issuance attempted before the
	// configured unlock point, regardless of the caller's roles.
	ErrMintTimelocked = errors.New("debt tokenizer: mint timelocked")

	// ErrUnauthorized is returned when the caller holds no participant
	// position on the referenced loan.
	ErrUnauthorized = errors.New("debt tokenizer: caller not a loan participant")

	// ErrAlreadyIssued enforces the one-receipt-per-debt invariant.
	ErrAlreadyIssued = errors.New("debt tokenizer: receipt already issued for debt")
)

const (
	EventTypeIssued = "debttoken.issued"
	EventTypeURI    = "debttoken.uri"
)

type tokenizerState interface {
	LoanGet(debtID uint64) (*loan.LoanRecord, bool)
	LoanPut(*loan.LoanRecord) error
	DebtTokenGet(debtID uint64) (*loan.DebtTokenRecord, bool)
	DebtTokenPut(debtID uint64, record *loan.DebtTokenRecord) error
}

type tokenEvent struct {
	evt *types.Event
}

func (e tokenEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e tokenEvent) Event() *types.Event { return e.evt }

// Tokenizer issues the transferable receipt token bound one-to-one to a
// finalized debt record. It is a pure side-effect layer over the lifecycle
// state: it never mutates loan balance or lifecycle state beyond the
// issuance flag.
type Tokenizer struct {
	state     tokenizerState
	registry  *roles.Registry
	emitter   events.Emitter
	tokenAddr [20]byte
	baseURI   string
	unlockAt  int64
	clockFn   func() int64
	pauses    nativecommon.PauseView
}

// NewTokenizer constructs a tokenizer bound to the role registry. The token
// contract address, base URI and unlock point are deployment configuration
// applied through the setters before first use.
func NewTokenizer(registry *roles.Registry) *Tokenizer {
	return &Tokenizer{
		registry: registry,
		emitter:  events.NoopEmitter{},
		clockFn:  func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the tokenizer to the shared record store.
func (t *Tokenizer) SetState(state tokenizerState) { t.state = state }

// SetTokenContract configures the receipt-token contract address.
func (t *Tokenizer) SetTokenContract(addr [20]byte) { t.tokenAddr = addr }

// SetBaseURI configures the URI prefix prepended to metadata identifiers.
func (t *Tokenizer) SetBaseURI(uri string) { t.baseURI = strings.TrimSpace(uri) }

// SetUnlockAt configures the monotonic clock value before which issuance
// fails with ErrMintTimelocked.
func (t *Tokenizer) SetUnlockAt(at int64) { t.unlockAt = at }

// SetClockFunc overrides the monotonic clock source. Primarily for tests.
func (t *Tokenizer) SetClockFunc(clock func() int64) {
	if clock == nil {
		t.clockFn = func() int64 { return time.Now().Unix() }
		return
	}
	t.clockFn = clock
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (t *Tokenizer) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		t.emitter = events.NoopEmitter{}
		return
	}
	t.emitter = emitter
}

// SetPauses installs the module pause switchboard.
func (t *Tokenizer) SetPauses(p nativecommon.PauseView) {
	if t == nil {
		return
	}
	t.pauses = p
}

func (t *Tokenizer) emit(evt *types.Event) {
	if t == nil || t.emitter == nil || evt == nil {
		return
	}
	t.emitter.Emit(tokenEvent{evt: evt})
}

// MetadataID derives a content-addressed identifier for the finalized loan
// snapshot fed to the metadata collaborator.
func MetadataID(record *loan.LoanRecord) string {
	if record == nil {
		return ""
	}
	h := blake3.New(32, nil)
	var debtID [8]byte
	binary.BigEndian.PutUint64(debtID[:], record.DebtID)
	h.Write(debtID[:])
	h.Write(record.Borrower[:])
	h.Write(record.Lender[:])
	h.Write(record.CollateralAddr[:])
	h.Write([]byte(record.CollateralID.String()))
	h.Write([]byte(record.Principal.String()))
	h.Write([]byte{record.Terms.InterestRate})
	var duration [4]byte
	binary.BigEndian.PutUint32(duration[:], record.Terms.Duration)
	h.Write(duration[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Issue mints the single receipt token for a debt: token id equals the
// DebtID, quantity equals the loan principal, and the content URI is the
// configured base URI concatenated with the metadata identifier. Issuing
// twice for the same debt fails.
func (t *Tokenizer) Issue(caller [20]byte, debtID uint64, recipient [20]byte, metadataID string) (*loan.DebtTokenRecord, error) {
	if t == nil || t.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(t.pauses, moduleName); err != nil {
		return nil, err
	}
	if t.tokenAddr == ([20]byte{}) {
		return nil, ErrNotConfigured
	}
	now := t.clockFn()
	if now < t.unlockAt {
		return nil, ErrMintTimelocked
	}
	record, ok := t.state.LoanGet(debtID)
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	if !record.Participant(caller) || !t.registry.HasScoped(roles.RoleParticipant, debtID, caller) {
		return nil, ErrUnauthorized
	}
	if record.DebtTokenIssued {
		return nil, ErrAlreadyIssued
	}
	if _, exists := t.state.DebtTokenGet(debtID); exists {
		return nil, ErrAlreadyIssued
	}

	uri := t.baseURI + strings.TrimSpace(metadataID)
	token := &loan.DebtTokenRecord{
		TokenContract: t.tokenAddr,
		TokenID:       debtID,
		Quantity:      record.Principal,
		URI:           uri,
		Recipient:     recipient,
		IssuedAt:      now,
	}
	token = token.Clone()
	if err := t.state.DebtTokenPut(debtID, token); err != nil {
		return nil, err
	}
	record.DebtTokenIssued = true
	if err := t.state.LoanPut(record); err != nil {
		return nil, err
	}

	t.emit(newIssuedEvent(record, token))
	t.emit(newURIEvent(token))
	return token.Clone(), nil
}

func newIssuedEvent(record *loan.LoanRecord, token *loan.DebtTokenRecord) *types.Event {
	attrs := map[string]string{
		"debtId":           strconv.FormatUint(record.DebtID, 10),
		"debtTokenAddress": hex.EncodeToString(token.TokenContract[:]),
		"debtTokenId":      strconv.FormatUint(token.TokenID, 10),
		"quantity":         token.Quantity.String(),
		"recipient":        hex.EncodeToString(token.Recipient[:]),
	}
	return &types.Event{Type: EventTypeIssued, Attributes: attrs}
}

func newURIEvent(token *loan.DebtTokenRecord) *types.Event {
	attrs := map[string]string{
		"value": token.URI,
		"id":    fmt.Sprintf("%d", token.TokenID),
	}
	return &types.Event{Type: EventTypeURI, Attributes: attrs}
}
