// Package piece implements the Metadata Piece Manager (component C5):
// per-InfoHash tracking of ut_metadata pieces through a state machine
// (MISSING → REQUESTED → RECEIVED → VALIDATED, or any of
// INVALID/DUPLICATE/CORRUPTED/EXPIRED), and assembly of the validated pieces
// into the complete metadata blob with a SHA-1 check against the InfoHash.
// It uses a fixed 1024-bit piece bitmap sized for metadata up to 16 MiB.
package piece

import (
	"crypto/sha1"
	"sync"
	"time"

	"github.com/kademux/dhtcrawler/internal/kademlia"
)

// MaxPieces is the fixed bitmap width: metadata needing more pieces than
// this (16 MiB at 16 KiB/piece) is rejected as oversize
const MaxPieces = 1024

// MaxPieceSize is the ut_metadata piece size; only the final piece of an
// assembly may be shorter.
const MaxPieceSize = 16384

// Status is a MetadataPiece's state
type Status int

const (
	Missing Status = iota
	Requested
	Received
	Validated
	Invalid
	Duplicate
	Corrupted
	Expired
)

func (s Status) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Received:
		return "received"
	case Validated:
		return "validated"
	case Invalid:
		return "invalid"
	case Duplicate:
		return "duplicate"
	case Corrupted:
		return "corrupted"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s Status) terminal() bool {
	switch s {
	case Validated, Invalid, Duplicate, Corrupted, Expired:
		return true
	default:
		return false
	}
}

// Piece is one slot of a metadata assembly.
type Piece struct {
	Index        int
	Status       Status
	Data         []byte
	Checksum     [sha1.Size]byte
	RequestCount int
	RetryCount   int
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Assembly tracks every piece for one InfoHash's metadata download:
// Complete iff every piece is VALIDATED, Validated iff
// SHA-1(concatenated payload) equals the InfoHash.
type Assembly struct {
	mu sync.Mutex

	InfoHash    kademlia.InfoHash
	TotalPieces int
	MetaSize    int
	pieces      [MaxPieces]Piece
	PieceTimeout time.Duration
}

// NewAssembly builds an Assembly sized for metaSize bytes of metadata.
// Oversize metadata (more than MaxPieces*MaxPieceSize bytes) is rejected,
// per bitmap invariant.
func NewAssembly(ih kademlia.InfoHash, metaSize int, pieceTimeout time.Duration) (*Assembly, error) {
	total := (metaSize + MaxPieceSize - 1) / MaxPieceSize
	if total <= 0 || total > MaxPieces {
		return nil, errOversize(metaSize, total)
	}
	a := &Assembly{
		InfoHash:     ih,
		TotalPieces:  total,
		MetaSize:     metaSize,
		PieceTimeout: pieceTimeout,
	}
	now := time.Now()
	for i := 0; i < total; i++ {
		a.pieces[i] = Piece{Index: i, Status: Missing, CreatedAt: now}
	}
	return a, nil
}

type oversizeError struct {
	metaSize, pieces int
}

func (e *oversizeError) Error() string {
	return "piece: metadata too large for fixed bitmap"
}

func errOversize(metaSize, pieces int) error {
	return &oversizeError{metaSize, pieces}
}

// MarkRequested transitions piece i from MISSING or EXPIRED to REQUESTED,
// bumping its request count and arming its per-piece expiry.
func (a *Assembly) MarkRequested(i int, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(i) {
		return false
	}
	p := &a.pieces[i]
	if p.Status != Missing && p.Status != Expired {
		return false
	}
	p.Status = Requested
	p.RequestCount++
	p.ExpiresAt = now.Add(a.PieceTimeout)
	return true
}

// AddPiece records data received for piece i: fails if data exceeds
// MaxPieceSize. The final piece may be shorter than MaxPieceSize; all
// others must be exactly that size.
func (a *Assembly) AddPiece(i int, data []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(i) {
		return false
	}
	if len(data) > MaxPieceSize {
		return false
	}
	expectLast := i == a.TotalPieces-1
	if !expectLast && len(data) != MaxPieceSize {
		a.pieces[i].Status = Corrupted
		return false
	}

	p := &a.pieces[i]
	if p.Status == Validated {
		p.Status = Duplicate
		return false
	}
	p.Data = append([]byte(nil), data...)
	p.Checksum = sha1.Sum(data)
	p.Status = Received
	return true
}

// ValidatePiece transitions a RECEIVED piece to VALIDATED. Individual
// pieces have no independent hash to check
// against (ut_metadata carries no per-piece checksum); validity here means
// "received with the expected length", and final correctness is decided by
// the whole-assembly SHA-1 in Finalize.
func (a *Assembly) ValidatePiece(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(i) {
		return false
	}
	p := &a.pieces[i]
	if p.Status != Received {
		return false
	}
	p.Status = Validated
	return true
}

// MarkRejected transitions a piece to INVALID, terminally, once its retry
// budget is exhausted following a peer's msg_type=2 reject.
func (a *Assembly) MarkRejected(i int) bool {
	return a.setStatus(i, Invalid)
}

// MarkRejectedForRetry transitions piece i back to EXPIRED (re-requestable
// by the next MarkRequested call) and bumps its retry count, following a
// peer's msg_type=2 reject that still has retry budget left. This mirrors
// the timeout path in ExpirePending so both failure modes share one retry
// counter and one backoff schedule.
func (a *Assembly) MarkRejectedForRetry(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(i) {
		return false
	}
	p := &a.pieces[i]
	p.Status = Expired
	p.RetryCount++
	return true
}

// RetryCount returns piece i's retry count, so a caller can compare it
// against Config.MaxRetryAttempts before deciding whether to retry or fail.
func (a *Assembly) RetryCount(i int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(i) {
		return 0
	}
	return a.pieces[i].RetryCount
}

func (a *Assembly) setStatus(i int, s Status) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(i) {
		return false
	}
	a.pieces[i].Status = s
	return true
}

// ExpirePending scans for REQUESTED pieces past their PieceTimeout and
// transitions them to EXPIRED, returning the indices so the worker can
// retry them, per piece expiry rule.
func (a *Assembly) ExpirePending(now time.Time) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var expired []int
	for i := 0; i < a.TotalPieces; i++ {
		p := &a.pieces[i]
		if p.Status == Requested && now.After(p.ExpiresAt) {
			p.Status = Expired
			p.RetryCount++
			expired = append(expired, i)
		}
	}
	return expired
}

func (a *Assembly) validIndex(i int) bool {
	return i >= 0 && i < a.TotalPieces
}

// Complete reports whether every piece 0..TotalPieces-1 is VALIDATED.
func (a *Assembly) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.TotalPieces; i++ {
		if a.pieces[i].Status != Validated {
			return false
		}
	}
	return true
}

// MissingIndices returns piece indices not yet VALIDATED, useful for
// scheduling the next request batch.
func (a *Assembly) MissingIndices() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for i := 0; i < a.TotalPieces; i++ {
		if a.pieces[i].Status != Validated {
			out = append(out, i)
		}
	}
	return out
}

// Status returns piece i's current status; callers must check validIndex
// themselves via TotalPieces if i might be out of range.
func (a *Assembly) Status(i int) Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validIndex(i) {
		return Missing
	}
	return a.pieces[i].Status
}

// Finalize concatenates every validated piece's payload and checks its
// SHA-1 against the assembly's InfoHash. It
// returns the concatenated bytes and whether the hash matched; callers
// should only call this once Complete() is true.
func (a *Assembly) Finalize() (data []byte, valid bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data = make([]byte, 0, a.MetaSize)
	for i := 0; i < a.TotalPieces; i++ {
		if a.pieces[i].Status != Validated {
			return nil, false
		}
		data = append(data, a.pieces[i].Data...)
	}
	sum := sha1.Sum(data)
	return data, kademlia.InfoHash(sum) == a.InfoHash
}
