// session.go drives one metadata request end to end: handshake, extension
// negotiation, piece loop, reassembly, and Sink persistence, through the
// request state machine (NOT_STARTED -> HANDSHAKING -> NEGOTIATING ->
// REQUESTING -> RECEIVING -> COMPLETED, or FAILED/TIMEOUT/CANCELLED).
package metadata

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/kademux/dhtcrawler/internal/kademlia"
	"github.com/kademux/dhtcrawler/internal/piece"
	"github.com/kademux/dhtcrawler/internal/sink"
	"github.com/kademux/dhtcrawler/internal/xerr"
	"github.com/kademux/dhtcrawler/internal/xlog"
)

// State is a metadata request's lifecycle stage.
type State int

const (
	NotStarted State = iota
	Handshaking
	Negotiating
	Requesting
	Receiving
	Completed
	Failed
	TimedOut
	Cancelled
)

// Config parametrizes a Session; see config.Config for field documentation.
type Config struct {
	ConnectTimeout             time.Duration
	HandshakeTimeout           time.Duration
	SessionTimeout             time.Duration
	PieceTimeout               time.Duration
	MaxConcurrentPieceRequests int
	MaxRetryAttempts           int
	RetryBaseDelay             time.Duration
	RetryMultiplier            float64
	Sequential                 bool
}

// Dialer opens a TCP connection to a peer; production code uses
// net.Dialer.DialContext, tests substitute an in-memory net.Pipe.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// netDialer adapts *net.Dialer to Dialer.
type netDialer struct{ d net.Dialer }

func (n netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

// NewNetDialer returns a Dialer backed by the real network.
func NewNetDialer() Dialer { return netDialer{} }

// Session runs one metadata fetch attempt against a single peer.
type Session struct {
	cfg    Config
	dial   Dialer
	log    xlog.Logger
	sink   sink.Sink
	peerID [20]byte

	State State
}

// NewSession builds a Session. A nil dialer uses the real network; a nil
// logger falls back to xlog.NullLogger{}.
func NewSession(cfg Config, dial Dialer, log xlog.Logger, sk sink.Sink) (*Session, error) {
	if dial == nil {
		dial = NewNetDialer()
	}
	if log == nil {
		log = xlog.NullLogger{}
	}
	id, err := PeerID()
	if err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, dial: dial, log: log, sink: sk, peerID: id, State: NotStarted}, nil
}

// Failure enumerates the taxonomy surfaced to the Sink on a failed session.
type Failure string

const (
	FailConnect      Failure = "CONNECT_FAILED"
	FailHandshake    Failure = "HANDSHAKE_FAILED"
	FailNegotiation  Failure = "NEGOTIATION_FAILED"
	FailPieceReject  Failure = "PIECE_REJECTED"
	FailHashMismatch Failure = "HASH_MISMATCH"
	FailParse        Failure = "PARSE_ERROR"
	FailTimeout      Failure = "TIMEOUT"
)

// Run fetches ih's metadata from peer, emitting a DiscoveredTorrent (on
// success) or a record_error (on failure) to the Sink. source is recorded
// for the torrent's source tag.
func (s *Session) Run(ctx context.Context, peer kademlia.Endpoint, ih kademlia.InfoHash, source sink.Source) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SessionTimeout)
	defer cancel()

	conn, err := s.connect(ctx, peer)
	if err != nil {
		return s.fail(ih, FailConnect, err)
	}
	defer conn.Close()

	peerUtMetadataID, metaSize, err := s.negotiate(ctx, conn, ih)
	if err != nil {
		return err
	}

	asm, err := piece.NewAssembly(ih, metaSize, s.cfg.PieceTimeout)
	if err != nil {
		s.State = Failed
		return s.fail(ih, FailParse, err)
	}

	s.State = Requesting
	if err := s.runPieceLoop(ctx, conn, peerUtMetadataID, asm); err != nil {
		return err
	}

	s.State = Receiving
	data, valid := asm.Finalize()
	if !valid {
		s.State = Failed
		return s.fail(ih, FailHashMismatch, fmt.Errorf("metadata SHA-1 does not match infohash"))
	}

	info, err := ParseInfoDict(data)
	if err != nil {
		s.State = Failed
		return s.fail(ih, FailParse, err)
	}

	s.State = Completed
	now := time.Now()
	return s.sink.RecordTorrent(sink.DiscoveredTorrent{
		InfoHash:         ih,
		Name:             info.Name,
		Size:             info.TotalLength(),
		PieceLength:      info.PieceLength,
		PieceCount:       len(info.Pieces) / 20,
		FileCount:        len(info.Files),
		Files:            info.Files,
		Private:          info.Private,
		Source:           source,
		DiscoveredAt:     now,
		LastSeenAt:       now,
		MetadataReceived: true,
	})
}

func (s *Session) connect(ctx context.Context, peer kademlia.Endpoint) (net.Conn, error) {
	s.State = NotStarted
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	return s.dial.DialContext(dctx, "tcp", peer.String())
}

// negotiate performs steps 3-4: the BitTorrent handshake then the BEP10
// extension handshake, returning the peer's ut_metadata message id and its
// advertised metadata_size.
func (s *Session) negotiate(ctx context.Context, conn net.Conn, ih kademlia.InfoHash) (peerUtMetadataID, metaSize int, err error) {
	s.State = Handshaking
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	if err = WriteHandshake(conn, ih, s.peerID); err != nil {
		return 0, 0, s.fail(ih, FailHandshake, err)
	}
	hs, err := ReadHandshake(conn)
	if err != nil {
		return 0, 0, s.fail(ih, FailHandshake, err)
	}
	if hs.InfoHash != ih {
		return 0, 0, s.fail(ih, FailHandshake, fmt.Errorf("peer echoed wrong infohash"))
	}
	if !hs.Extended {
		return 0, 0, s.fail(ih, FailNegotiation, fmt.Errorf("peer does not support BEP10 extensions"))
	}

	s.State = Negotiating
	if err = WriteExtendedHandshake(conn, ourUtMetadataID, 0, clientVersion); err != nil {
		return 0, 0, s.fail(ih, FailNegotiation, err)
	}
	id, extID, payload, err := ReadMessage(conn)
	if err != nil || id != extendedMessageID || extID != extendedHandshakeID {
		return 0, 0, s.fail(ih, FailNegotiation, fmt.Errorf("expected extension handshake: %w", err))
	}
	ext, err := ReadExtendedHandshake(payload)
	if err != nil {
		return 0, 0, s.fail(ih, FailNegotiation, err)
	}
	return ext.M[UtMetadataID], ext.MetadataSize, nil
}

// ourUtMetadataID is the extension id this crawler assigns to ut_metadata
// in its own handshake; any nonzero id is valid since we only ever
// negotiate a single extension.
const ourUtMetadataID = 1

const clientVersion = "dhtcrawler/1.0"

// runPieceLoop requests pieces in batches up to MaxConcurrentPieceRequests,
// retrying rejected or timed-out pieces with exponential backoff, until
// every piece is VALIDATED.
func (s *Session) runPieceLoop(ctx context.Context, conn net.Conn, peerUtMetadataID int, asm *piece.Assembly) error {
	batch := s.cfg.MaxConcurrentPieceRequests
	if s.cfg.Sequential || batch < 1 {
		batch = 1
	}

	for !asm.Complete() {
		select {
		case <-ctx.Done():
			return s.fail(asm.InfoHash, FailTimeout, ctx.Err())
		default:
		}

		pending := asm.MissingIndices()
		if len(pending) > batch {
			pending = pending[:batch]
		}
		for _, idx := range pending {
			if !asm.MarkRequested(idx, time.Now()) {
				continue
			}
			conn.SetDeadline(time.Now().Add(s.cfg.PieceTimeout))
			if err := WriteMetadataRequest(conn, peerUtMetadataID, idx); err != nil {
				return s.fail(asm.InfoHash, FailConnect, err)
			}
		}

		for range pending {
			id, extID, payload, err := ReadMessage(conn)
			if err != nil {
				return s.fail(asm.InfoHash, FailTimeout, err)
			}
			// The peer tags its ut_metadata replies with the id we advertised.
			if id != extendedMessageID || extID != ourUtMetadataID {
				continue
			}
			msg, err := ParseMetadataMessage(payload)
			if err != nil {
				return s.fail(asm.InfoHash, FailParse, err)
			}
			switch msg.Type {
			case msgData:
				if !asm.AddPiece(msg.Piece, msg.Data) {
					continue
				}
				asm.ValidatePiece(msg.Piece)
			case msgReject:
				asm.MarkRejectedForRetry(msg.Piece)
				if !s.retryOrFail(ctx, asm, msg.Piece) {
					return s.fail(asm.InfoHash, FailPieceReject, fmt.Errorf("piece %d rejected past retry budget", msg.Piece))
				}
			}
		}

		for _, idx := range asm.ExpirePending(time.Now()) {
			if !s.retryOrFail(ctx, asm, idx) {
				return s.fail(asm.InfoHash, FailTimeout, fmt.Errorf("piece %d timed out past retry budget", idx))
			}
		}
	}
	return nil
}

// retryOrFail reports whether piece idx may still be retried, applying
// max_retry_attempts with exponential backoff. The caller must have already
// bumped the piece's retry count (via ExpirePending or
// MarkRejectedForRetry) before calling this. Once the budget is exhausted
// the piece is marked permanently INVALID and the caller should fail the
// session.
func (s *Session) retryOrFail(ctx context.Context, asm *piece.Assembly, idx int) bool {
	retries := asm.RetryCount(idx)
	if retries > s.cfg.MaxRetryAttempts {
		asm.MarkRejected(idx)
		return false
	}
	select {
	case <-time.After(retryBackoff(s.cfg, retries)):
	case <-ctx.Done():
	}
	return true
}

// retryBackoff computes RetryBaseDelay * RetryMultiplier^(retries-1), the
// delay before the (retries)-th attempt, per exponential backoff.
func retryBackoff(cfg Config, retries int) time.Duration {
	d := cfg.RetryBaseDelay
	for i := 1; i < retries; i++ {
		d = time.Duration(float64(d) * cfg.RetryMultiplier)
	}
	return d
}

func (s *Session) fail(ih kademlia.InfoHash, reason Failure, cause error) error {
	s.State = Failed
	if reason == FailTimeout {
		s.State = TimedOut
	}
	s.log.Debugf("metadata session failed ih=%s reason=%s: %v", ih, reason, cause)
	var kind xerr.Kind
	switch reason {
	case FailHashMismatch:
		kind = xerr.Validation
	case FailTimeout:
		kind = xerr.Timeout
	case FailParse:
		kind = xerr.Protocol
	default:
		kind = xerr.Network
	}
	s.sink.RecordError(kind, fmt.Sprintf("%s: %s: %v", ih, reason, cause))
	return xerr.New(kind, string(reason), cause)
}
