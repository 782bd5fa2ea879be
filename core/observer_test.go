package core

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// recordingObserver records every event it is handed.
type recordingObserver struct {
	mu   sync.Mutex
	kind EventKind
	evs  []ConfirmationEvent
}

func (r *recordingObserver) Handle(kind EventKind, ev ConfirmationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kind = kind
	r.evs = append(r.evs, ev)
}

func (r *recordingObserver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestObserverHubDispatchesToRegisteredKindOnly(t *testing.T) {
	hub := NewObserverHub(1)
	hub.Start()
	defer hub.Stop()

	obs := &recordingObserver{}
	hub.Register(EventConfirmation, obs)

	hub.Publish(EventConfirmation, ConfirmationEvent{Height: 1})
	waitFor(t, time.Second, func() bool { return obs.count() == 1 })

	hub.Publish(EventKind("other"), ConfirmationEvent{Height: 2})
	time.Sleep(10 * time.Millisecond)
	if obs.count() != 1 {
		t.Fatalf("observer received an event of a kind it never registered for")
	}
}

func TestObserverHubSurvivesPanickingObserver(t *testing.T) {
	hub := NewObserverHub(1)
	hub.Start()
	defer hub.Stop()

	hub.Register(EventConfirmation, ObserverFunc(func(EventKind, ConfirmationEvent) {
		panic("boom")
	}))
	good := &recordingObserver{}
	hub.Register(EventConfirmation, good)

	hub.Publish(EventConfirmation, ConfirmationEvent{Height: 1})
	waitFor(t, time.Second, func() bool { return good.count() == 1 })
}

func TestObserverHubBindConfirmationHeightPublishesOnCement(t *testing.T) {
	l, gc := newTestLedger(t)

	confirmations := NewConfirmationHeightProcessor(l)
	hub := NewObserverHub(1)
	hub.BindConfirmationHeight(confirmations)
	hub.Start()
	defer hub.Stop()

	obs := &recordingObserver{}
	hub.Register(EventConfirmation, obs)

	destKP, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	genesisAi := mustGetAccountInfo(t, l.store, gc.GenesisAccount)
	balanceAfterSend := mustSub(t, genesisAi.Balance, u128FromInt(t, 1))
	send := signedState(t, gc.GenesisKey, genesisAi.Head, gc.GenesisAccount, balanceAfterSend, destKP.Public)
	process(t, l, send)

	if err := confirmations.CementUpTo(gc.GenesisAccount, genesisAi.BlockCount+1); err != nil {
		t.Fatalf("CementUpTo: %v", err)
	}

	// Nothing was cemented before, so the walk cements the genesis open
	// (height 1) and the send (height 2): two events, both for genesis.
	waitFor(t, time.Second, func() bool { return obs.count() == 2 })
	if obs.evs[0].Account != gc.GenesisAccount {
		t.Fatalf("published event account = %s, want genesis account", obs.evs[0].Account.Hex())
	}
}

func TestCallbackObserverPostsJSON(t *testing.T) {
	received := make(chan callbackPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p callbackPayload
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("unmarshal callback body: %v", err)
		}
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	obs := NewCallbackObserver(srv.URL, time.Second)
	ev := ConfirmationEvent{Height: 7}
	obs.Handle(EventConfirmation, ev)

	select {
	case p := <-received:
		if p.Height != 7 || p.Kind != EventConfirmation {
			t.Fatalf("callback payload = %+v, want height 7 kind %s", p, EventConfirmation)
		}
	case <-time.After(time.Second):
		t.Fatalf("callback observer never posted")
	}
}

func TestWalletAutoReceiveObserverReceivesControlledDestination(t *testing.T) {
	l, gc := newTestLedger(t)
	w := newTestWallet(t, l, gc, "pw")

	account, err := w.NewAccount()
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}

	amount := u128FromInt(t, 1000)
	sendHash := fundAccount(t, l, gc, account, amount)

	obs := NewWalletAutoReceiveObserver(w, l.store)
	obs.Handle(EventConfirmation, ConfirmationEvent{Account: gc.GenesisAccount, Hash: sendHash, Height: 1})

	ai := mustGetAccountInfo(t, l.store, account)
	if ai.Balance != amount {
		t.Fatalf("balance after auto-receive = %s, want %s", ai.Balance.Hex(), amount.Hex())
	}
}

func TestWalletAutoReceiveObserverIgnoresUncontrolledDestination(t *testing.T) {
	l, gc := newTestLedger(t)
	w := newTestWallet(t, l, gc, "pw")

	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair: %v", err)
	}
	amount := u128FromInt(t, 1000)
	sendHash := fundAccount(t, l, gc, kp.Public, amount)

	obs := NewWalletAutoReceiveObserver(w, l.store)
	obs.Handle(EventConfirmation, ConfirmationEvent{Account: gc.GenesisAccount, Hash: sendHash, Height: 1})

	txn, err := l.store.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer txn.Discard()
	if _, ok, err := GetAccountInfo(txn, kp.Public); err != nil {
		t.Fatalf("GetAccountInfo: %v", err)
	} else if ok {
		t.Fatalf("account not controlled by the wallet should not have been opened")
	}
}

func TestStreamServerBroadcastsToConnectedClients(t *testing.T) {
	s := NewStreamServer("127.0.0.1:0")
	srv := httptest.NewServer(http.HandlerFunc(s.handleStream))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.clients) == 1
	})

	s.Handle(EventConfirmation, ConfirmationEvent{Height: 42})

	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	var p callbackPayload
	if err := json.Unmarshal(line, &p); err != nil {
		t.Fatalf("unmarshal stream line: %v", err)
	}
	if p.Height != 42 {
		t.Fatalf("streamed payload height = %d, want 42", p.Height)
	}
}
