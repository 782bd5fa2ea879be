package core

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// WorkGenerator produces proof-of-work nonces, racing remote work peers
// against local CPU threads and returning whichever solves first
// (spec.md §4.11).
type WorkGenerator struct {
	Peers   []string // HTTP work-peer base URLs, e.g. "http://10.0.0.5:7076"
	Threads int       // local CPU worker count, run alongside the peers

	Client *http.Client

	// backoff tracks, per peer, the time before which it should not be
	// retried after a failure (spec.md §4.11 "exponential backoff up to
	// 5 minutes before local fallback").
	backoff map[string]time.Time

	logger *log.Entry
}

const (
	workBackoffInitial = time.Second
	workBackoffMax      = 5 * time.Minute
)

// NewWorkGenerator builds a generator over the given HTTP work peers,
// falling back to threads local CPU workers.
func NewWorkGenerator(peers []string, threads int) *WorkGenerator {
	if threads <= 0 {
		threads = 1
	}
	return &WorkGenerator{
		Peers:   peers,
		Threads: threads,
		Client:  &http.Client{Timeout: 10 * time.Second},
		backoff: make(map[string]time.Time),
		logger:  log.WithField("component", "work"),
	}
}

// workPeerRequest/-Response mirror the JSON work_generate RPC call the
// reference node's work peers speak (spec.md §4.11 "HTTP work-peers with
// JSON protocol").
type workPeerRequest struct {
	Action     string `json:"action"`
	Hash       string `json:"hash"`
	Difficulty string `json:"difficulty"`
}

type workPeerResponse struct {
	Work  string `json:"work"`
	Error string `json:"error,omitempty"`
}

// Generate returns a nonce solving root at difficulty, trying every
// available peer and the local CPU pool concurrently and returning the
// first valid solution (spec.md §4.11). ctx cancellation stops all workers.
func (w *WorkGenerator) Generate(ctx context.Context, root U256, difficulty uint64) (uint64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	results := make(chan result, len(w.Peers)+1)

	now := time.Now()
	activePeers := 0
	for _, peer := range w.Peers {
		if until, ok := w.backoff[peer]; ok && now.Before(until) {
			continue
		}
		activePeers++
		peer := peer
		go func() {
			nonce, err := w.tryPeer(ctx, peer, root, difficulty)
			if err != nil {
				w.recordFailure(peer)
			} else {
				delete(w.backoff, peer)
			}
			select {
			case results <- result{nonce, err}:
			case <-ctx.Done():
			}
		}()
	}

	go func() {
		nonce, err := w.generateLocal(ctx, root, difficulty)
		select {
		case results <- result{nonce, err}:
		case <-ctx.Done():
		}
	}()

	remaining := activePeers + 1
	var lastErr error
	for remaining > 0 {
		select {
		case r := <-results:
			remaining--
			if r.err == nil {
				cancel()
				return r.nonce, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = errors.New("core: work generation exhausted all providers")
	}
	return 0, lastErr
}

func (w *WorkGenerator) recordFailure(peer string) {
	cur, ok := w.backoff[peer]
	next := workBackoffInitial
	if ok {
		if d := time.Until(cur); d > 0 {
			next = d * 2
		}
	}
	if next > workBackoffMax {
		next = workBackoffMax
	}
	w.backoff[peer] = time.Now().Add(next)
}

func (w *WorkGenerator) tryPeer(ctx context.Context, peer string, root U256, difficulty uint64) (uint64, error) {
	reqBody, err := json.Marshal(workPeerRequest{
		Action:     "work_generate",
		Hash:       hex.EncodeToString(root[:]),
		Difficulty: hex.EncodeToString(difficultyBytes(difficulty)),
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer, bytes.NewReader(reqBody))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out workPeerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Error != "" {
		return 0, errors.New("core: work peer " + peer + ": " + out.Error)
	}
	nonceBytes, err := hex.DecodeString(out.Work)
	if err != nil || len(nonceBytes) != 8 {
		return 0, errors.New("core: work peer " + peer + " returned malformed work")
	}
	nonce := binary.BigEndian.Uint64(nonceBytes)
	if !WorkValid(nonce, root, difficulty) {
		return 0, errors.New("core: work peer " + peer + " returned invalid work")
	}
	return nonce, nil
}

func difficultyBytes(d uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], d)
	return b[:]
}

// generateLocal splits the nonce space across w.Threads CPU workers.
func (w *WorkGenerator) generateLocal(ctx context.Context, root U256, difficulty uint64) (uint64, error) {
	found := make(chan uint64, 1)
	g, gctx := errgroup.WithContext(ctx)
	for t := 0; t < w.Threads; t++ {
		stride := uint64(w.Threads)
		start := uint64(t)
		g.Go(func() error {
			nonce := start
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				if WorkValid(nonce, root, difficulty) {
					select {
					case found <- nonce:
					default:
					}
					return nil
				}
				nonce += stride
			}
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case nonce := <-found:
		return nonce, nil
	case err := <-done:
		select {
		case nonce := <-found:
			return nonce, nil
		default:
		}
		if err != nil {
			return 0, err
		}
		return 0, errors.New("core: local work search exited without a solution")
	}
}
