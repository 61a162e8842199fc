package signature

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/store"
)

var testNow = time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)

type stubQueries struct {
	requests  map[uuid.UUID]*store.SignatureRequest
	signers   map[uuid.UUID]*store.Signer
	certs     map[uuid.UUID]store.Certificate
	proposals map[uuid.UUID]store.Proposal
}

func newStub() *stubQueries {
	return &stubQueries{
		requests:  map[uuid.UUID]*store.SignatureRequest{},
		signers:   map[uuid.UUID]*store.Signer{},
		certs:     map[uuid.UUID]store.Certificate{},
		proposals: map[uuid.UUID]store.Proposal{},
	}
}

func (s *stubQueries) GetProposal(_ context.Context, orgID, id uuid.UUID) (store.Proposal, error) {
	p, ok := s.proposals[id]
	if !ok || p.OrgID != orgID {
		return store.Proposal{}, pgx.ErrNoRows
	}
	return p, nil
}

func (s *stubQueries) InsertSignatureRequest(_ context.Context, arg store.InsertSignatureRequestParams) (store.SignatureRequest, error) {
	req := store.SignatureRequest{
		ID:           uuid.New(),
		OrgID:        arg.OrgID,
		ProposalID:   arg.ProposalID,
		Status:       StatusPending,
		Sequential:   arg.Sequential,
		AllowDecline: arg.AllowDecline,
		Message:      arg.Message,
		DocumentHash: arg.DocumentHash,
		ExpiresAt:    arg.ExpiresAt,
	}
	s.requests[req.ID] = &req
	return req, nil
}

func (s *stubQueries) GetSignatureRequest(_ context.Context, orgID, id uuid.UUID) (store.SignatureRequest, error) {
	req, ok := s.requests[id]
	if !ok || req.OrgID != orgID {
		return store.SignatureRequest{}, pgx.ErrNoRows
	}
	return *req, nil
}

func (s *stubQueries) UpdateSignatureRequestStatus(_ context.Context, id uuid.UUID, status string) error {
	req, ok := s.requests[id]
	if !ok {
		return pgx.ErrNoRows
	}
	req.Status = status
	return nil
}

func (s *stubQueries) ExpireSignatureRequests(_ context.Context, now time.Time, limit int32) ([]store.SignatureRequest, error) {
	var out []store.SignatureRequest
	for _, req := range s.requests {
		if int32(len(out)) >= limit {
			break
		}
		if (req.Status == StatusPending || req.Status == StatusInProgress) &&
			req.ExpiresAt != nil && req.ExpiresAt.Before(now) {
			req.Status = StatusExpired
			out = append(out, *req)
		}
	}
	return out, nil
}

func (s *stubQueries) InsertSigner(_ context.Context, arg store.InsertSignerParams) (store.Signer, error) {
	sg := store.Signer{
		ID:             uuid.New(),
		RequestID:      arg.RequestID,
		Email:          arg.Email,
		Name:           arg.Name,
		SigningOrder:   arg.SigningOrder,
		Status:         SignerPending,
		AccessCodeHash: arg.AccessCodeHash,
	}
	s.signers[sg.ID] = &sg
	return sg, nil
}

func (s *stubQueries) ListSigners(_ context.Context, requestID uuid.UUID) ([]store.Signer, error) {
	var out []store.Signer
	for order := int32(1); ; order++ {
		found := false
		for _, sg := range s.signers {
			if sg.RequestID == requestID && sg.SigningOrder == order {
				out = append(out, *sg)
				found = true
			}
		}
		if !found {
			return out, nil
		}
	}
}

func (s *stubQueries) MarkSignerViewed(_ context.Context, signerID uuid.UUID, at time.Time) error {
	sg, ok := s.signers[signerID]
	if !ok {
		return pgx.ErrNoRows
	}
	if sg.Status == SignerPending {
		sg.Status = SignerViewed
		sg.ViewedAt = &at
	}
	return nil
}

func (s *stubQueries) MarkSignerSigned(_ context.Context, arg store.MarkSignerSignedParams) error {
	sg, ok := s.signers[arg.SignerID]
	if !ok {
		return pgx.ErrNoRows
	}
	at := arg.SignedAt
	sg.Status = SignerSigned
	sg.SignedAt = &at
	sg.SignedIP = arg.IP
	sg.SignedUserAgent = arg.UserAgent
	sg.SignedLocation = arg.Location
	return nil
}

func (s *stubQueries) MarkSignerDeclined(_ context.Context, signerID uuid.UUID, at time.Time) error {
	sg, ok := s.signers[signerID]
	if !ok {
		return pgx.ErrNoRows
	}
	sg.Status = SignerDeclined
	sg.DeclinedAt = &at
	return nil
}

func (s *stubQueries) InsertCertificate(_ context.Context, arg store.InsertCertificateParams) (store.Certificate, error) {
	cert := store.Certificate{
		ID:              uuid.New(),
		RequestID:       arg.RequestID,
		DocumentHash:    arg.DocumentHash,
		SignerSummary:   arg.SignerSummary,
		IssuedAt:        arg.IssuedAt,
		CertificateHash: arg.CertificateHash,
	}
	s.certs[arg.RequestID] = cert
	return cert, nil
}

func (s *stubQueries) GetCertificateByRequest(_ context.Context, requestID uuid.UUID) (store.Certificate, error) {
	cert, ok := s.certs[requestID]
	if !ok {
		return store.Certificate{}, pgx.ErrNoRows
	}
	return cert, nil
}

type stubBus struct {
	topics []string
}

func (b *stubBus) Emit(_ context.Context, orgID uuid.UUID, topic string, aggregateID uuid.UUID, _ any) (store.DomainEvent, error) {
	b.topics = append(b.topics, topic)
	return store.DomainEvent{ID: uuid.New(), OrgID: orgID, Topic: topic, AggregateID: aggregateID}, nil
}

func (b *stubBus) count(topic string) int {
	n := 0
	for _, t := range b.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func setup(t *testing.T, sequential, allowDecline bool, accessCodes ...string) (*Service, *stubQueries, *stubBus, uuid.UUID, Detail) {
	t.Helper()
	stub := newStub()
	bus := &stubBus{}
	svc := &Service{Q: stub, Bus: bus, Now: func() time.Time { return testNow }}

	orgID := uuid.New()
	proposalID := uuid.New()
	stub.proposals[proposalID] = store.Proposal{ID: proposalID, OrgID: orgID}

	signers := []SignerInput{
		{Email: "alice@example.com", Name: "Alice"},
		{Email: "bob@example.com", Name: "Bob"},
	}
	for i, code := range accessCodes {
		if i < len(signers) {
			signers[i].AccessCode = code
		}
	}
	det, err := svc.Create(context.Background(), orgID, CreateParams{
		ProposalID:   proposalID,
		Document:     []byte("proposal-v1"),
		Sequential:   sequential,
		AllowDecline: allowDecline,
		Signers:      signers,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return svc, stub, bus, orgID, det
}

func TestCreateRequiresSigners(t *testing.T) {
	svc := &Service{Q: newStub()}
	_, err := svc.Create(context.Background(), uuid.New(), CreateParams{ProposalID: uuid.New()})
	if !errors.Is(err, ErrNoSigners) {
		t.Fatalf("err = %v, want ErrNoSigners", err)
	}
}

func TestCreateAppliesDefaultValidity(t *testing.T) {
	stub := newStub()
	svc := &Service{Q: stub, Bus: &stubBus{}, Now: func() time.Time { return testNow }, DefaultValidity: 14 * 24 * time.Hour}
	orgID := uuid.New()
	proposalID := uuid.New()
	stub.proposals[proposalID] = store.Proposal{ID: proposalID, OrgID: orgID}

	det, err := svc.Create(context.Background(), orgID, CreateParams{
		ProposalID: proposalID,
		Document:   []byte("proposal-v1"),
		Signers:    []SignerInput{{Email: "alice@example.com", Name: "Alice"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := testNow.Add(14 * 24 * time.Hour)
	if det.Request.ExpiresAt == nil || !det.Request.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", det.Request.ExpiresAt, want)
	}

	explicit := testNow.Add(time.Hour)
	det, err = svc.Create(context.Background(), orgID, CreateParams{
		ProposalID: proposalID,
		Document:   []byte("proposal-v1"),
		ExpiresAt:  &explicit,
		Signers:    []SignerInput{{Email: "bob@example.com", Name: "Bob"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if det.Request.ExpiresAt == nil || !det.Request.ExpiresAt.Equal(explicit) {
		t.Fatalf("explicit expiry must win, got %v", det.Request.ExpiresAt)
	}
}

func TestCreateHashesAccessCodes(t *testing.T) {
	_, _, _, _, det := setup(t, true, false, "1234")
	if det.Request.Status != StatusPending {
		t.Fatalf("status = %q, want pending", det.Request.Status)
	}
	if det.Signers[0].AccessCodeHash == nil {
		t.Fatal("first signer should carry an access code hash")
	}
	if *det.Signers[0].AccessCodeHash == "1234" {
		t.Fatal("access code must not be stored in plain text")
	}
	if det.Signers[1].AccessCodeHash != nil {
		t.Fatal("second signer should have no access code")
	}
	if det.Signers[0].SigningOrder != 1 || det.Signers[1].SigningOrder != 2 {
		t.Fatalf("signing orders = %d, %d", det.Signers[0].SigningOrder, det.Signers[1].SigningOrder)
	}
}

func TestSendSequentialNotifiesFirstSignerOnly(t *testing.T) {
	svc, _, bus, orgID, det := setup(t, true, false)
	out, err := svc.Send(context.Background(), orgID, det.Request.ID)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.Request.Status != StatusInProgress {
		t.Fatalf("status = %q, want in_progress", out.Request.Status)
	}
	if got := bus.count(events.TopicSignatureSent); got != 1 {
		t.Fatalf("sent events = %d, want 1", got)
	}
}

func TestSendParallelNotifiesAllSigners(t *testing.T) {
	svc, _, bus, orgID, det := setup(t, false, false)
	if _, err := svc.Send(context.Background(), orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := bus.count(events.TopicSignatureSent); got != 2 {
		t.Fatalf("sent events = %d, want 2", got)
	}
}

func TestSendTwiceRejected(t *testing.T) {
	svc, _, _, orgID, det := setup(t, false, false)
	if _, err := svc.Send(context.Background(), orgID, det.Request.ID); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := svc.Send(context.Background(), orgID, det.Request.ID); !errors.Is(err, ErrRequestNotActive) {
		t.Fatalf("err = %v, want ErrRequestNotActive", err)
	}
}

func TestSignBeforeSendRejected(t *testing.T) {
	svc, _, _, orgID, det := setup(t, false, false)
	_, err := svc.Sign(context.Background(), orgID, det.Request.ID, SignParams{SignerID: det.Signers[0].ID})
	if !errors.Is(err, ErrRequestNotActive) {
		t.Fatalf("err = %v, want ErrRequestNotActive", err)
	}
}

func TestSequentialSignerMustWaitTheirTurn(t *testing.T) {
	svc, _, _, orgID, det := setup(t, true, false)
	if _, err := svc.Send(context.Background(), orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err := svc.Sign(context.Background(), orgID, det.Request.ID, SignParams{SignerID: det.Signers[1].ID})
	if !errors.Is(err, ErrWaitingForPreviousSigners) {
		t.Fatalf("err = %v, want ErrWaitingForPreviousSigners", err)
	}
}

func TestSequentialSignNotifiesNextThenCompletes(t *testing.T) {
	svc, stub, bus, orgID, det := setup(t, true, false)
	ctx := context.Background()
	if _, err := svc.Send(ctx, orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	out, err := svc.Sign(ctx, orgID, det.Request.ID, SignParams{SignerID: det.Signers[0].ID})
	if err != nil {
		t.Fatalf("first Sign: %v", err)
	}
	if out.Request.Status != StatusInProgress {
		t.Fatalf("status after first sign = %q, want in_progress", out.Request.Status)
	}
	// first signer at Send, second after the first signs
	if got := bus.count(events.TopicSignatureSent); got != 2 {
		t.Fatalf("sent events = %d, want 2", got)
	}

	out, err = svc.Sign(ctx, orgID, det.Request.ID, SignParams{SignerID: det.Signers[1].ID})
	if err != nil {
		t.Fatalf("second Sign: %v", err)
	}
	if out.Request.Status != StatusCompleted {
		t.Fatalf("status after last sign = %q, want completed", out.Request.Status)
	}
	if bus.count(events.TopicSignatureCompleted) != 1 {
		t.Fatal("expected one completed event")
	}
	cert, ok := stub.certs[det.Request.ID]
	if !ok {
		t.Fatal("certificate was not issued")
	}
	if cert.CertificateHash == "" || cert.DocumentHash != det.Request.DocumentHash {
		t.Fatalf("certificate = %+v", cert)
	}
}

func TestSignRequiresMatchingAccessCode(t *testing.T) {
	svc, _, _, orgID, det := setup(t, false, false, "s3cret")
	ctx := context.Background()
	if _, err := svc.Send(ctx, orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, err := svc.Sign(ctx, orgID, det.Request.ID, SignParams{SignerID: det.Signers[0].ID, AccessCode: "wrong"})
	if !errors.Is(err, ErrInvalidAccessCode) {
		t.Fatalf("err = %v, want ErrInvalidAccessCode", err)
	}

	if _, err := svc.Sign(ctx, orgID, det.Request.ID, SignParams{SignerID: det.Signers[0].ID, AccessCode: "s3cret"}); err != nil {
		t.Fatalf("Sign with correct code: %v", err)
	}
}

func TestSignTwiceRejected(t *testing.T) {
	svc, _, _, orgID, det := setup(t, false, false)
	ctx := context.Background()
	if _, err := svc.Send(ctx, orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := svc.Sign(ctx, orgID, det.Request.ID, SignParams{SignerID: det.Signers[0].ID}); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	_, err := svc.Sign(ctx, orgID, det.Request.ID, SignParams{SignerID: det.Signers[0].ID})
	if !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("err = %v, want ErrAlreadySigned", err)
	}
}

func TestSignRecordsEvidence(t *testing.T) {
	svc, stub, _, orgID, det := setup(t, false, false)
	ctx := context.Background()
	if _, err := svc.Send(ctx, orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ip, ua, loc := "203.0.113.9", "tester/1.0", "Denver, CO"
	if _, err := svc.Sign(ctx, orgID, det.Request.ID, SignParams{
		SignerID: det.Signers[0].ID, IP: &ip, UserAgent: &ua, Location: &loc,
	}); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sg := stub.signers[det.Signers[0].ID]
	if sg.SignedIP == nil || *sg.SignedIP != ip {
		t.Fatalf("signed ip = %v", sg.SignedIP)
	}
	if sg.SignedAt == nil || !sg.SignedAt.Equal(testNow) {
		t.Fatalf("signed at = %v", sg.SignedAt)
	}
	if sg.SignedLocation == nil || *sg.SignedLocation != loc {
		t.Fatalf("signed location = %v", sg.SignedLocation)
	}
}

func TestViewIsIdempotent(t *testing.T) {
	svc, stub, bus, orgID, det := setup(t, false, false)
	ctx := context.Background()
	if _, err := svc.Send(ctx, orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := svc.View(ctx, orgID, det.Request.ID, det.Signers[0].ID); err != nil {
		t.Fatalf("first View: %v", err)
	}
	first := *stub.signers[det.Signers[0].ID].ViewedAt
	if err := svc.View(ctx, orgID, det.Request.ID, det.Signers[0].ID); err != nil {
		t.Fatalf("second View: %v", err)
	}
	if !stub.signers[det.Signers[0].ID].ViewedAt.Equal(first) {
		t.Fatal("second view must not move the viewed timestamp")
	}
	if got := bus.count(events.TopicSignatureViewed); got != 1 {
		t.Fatalf("viewed events = %d, want 1", got)
	}
}

func TestDeclineNotAllowed(t *testing.T) {
	svc, _, _, orgID, det := setup(t, false, false)
	ctx := context.Background()
	if _, err := svc.Send(ctx, orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err := svc.Decline(ctx, orgID, det.Request.ID, det.Signers[0].ID, "not interested")
	if !errors.Is(err, ErrDeclineNotAllowed) {
		t.Fatalf("err = %v, want ErrDeclineNotAllowed", err)
	}
}

func TestDeclineCancelsRequest(t *testing.T) {
	svc, _, bus, orgID, det := setup(t, false, true)
	ctx := context.Background()
	if _, err := svc.Send(ctx, orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out, err := svc.Decline(ctx, orgID, det.Request.ID, det.Signers[0].ID, "price too high")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if out.Request.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", out.Request.Status)
	}
	if bus.count(events.TopicSignatureDeclined) != 1 {
		t.Fatal("expected one declined event")
	}
	if _, err := svc.Sign(ctx, orgID, det.Request.ID, SignParams{SignerID: det.Signers[1].ID}); !errors.Is(err, ErrRequestNotActive) {
		t.Fatalf("sign after cancel err = %v, want ErrRequestNotActive", err)
	}
}

func TestExpireDueEmitsEvents(t *testing.T) {
	svc, stub, bus, orgID, det := setup(t, false, false)
	past := testNow.Add(-time.Hour)
	stub.requests[det.Request.ID].ExpiresAt = &past

	n, err := svc.ExpireDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if stub.requests[det.Request.ID].Status != StatusExpired {
		t.Fatalf("status = %q, want expired", stub.requests[det.Request.ID].Status)
	}
	if bus.count(events.TopicSignatureExpired) != 1 {
		t.Fatal("expected one expired event")
	}
	if _, err := svc.Sign(context.Background(), orgID, det.Request.ID, SignParams{SignerID: det.Signers[0].ID}); !errors.Is(err, ErrRequestNotActive) {
		t.Fatalf("sign after expiry err = %v, want ErrRequestNotActive", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	svc, _, _, orgID, det := setup(t, false, false)
	ctx := context.Background()
	if _, err := svc.Send(ctx, orgID, det.Request.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for _, sg := range det.Signers {
		if _, err := svc.Sign(ctx, orgID, det.Request.ID, SignParams{SignerID: sg.ID}); err != nil {
			t.Fatalf("Sign %s: %v", sg.Email, err)
		}
	}

	res, err := svc.Verify(ctx, orgID, det.Request.ID, []byte("proposal-v1"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.IsValid {
		t.Fatalf("unchanged document should verify, reason = %q", res.Reason)
	}

	res, err = svc.Verify(ctx, orgID, det.Request.ID, []byte("proposal-v2"))
	if err != nil {
		t.Fatalf("Verify tampered: %v", err)
	}
	if res.IsValid {
		t.Fatal("tampered document must not verify")
	}
}

func TestVerifyWithoutCertificate(t *testing.T) {
	svc, _, _, orgID, det := setup(t, false, false)
	res, err := svc.Verify(context.Background(), orgID, det.Request.ID, []byte("proposal-v1"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.IsValid {
		t.Fatal("incomplete request must not verify")
	}
}

func TestCertificateHashCoversSignerData(t *testing.T) {
	at := testNow
	ip1, ip2 := "203.0.113.9", "198.51.100.4"
	base := []store.Signer{{Email: "alice@example.com", Name: "Alice", SigningOrder: 1, Status: SignerSigned, SignedAt: &at, SignedIP: &ip1}}

	_, h1, err := BuildCertificate("dochash", base, at)
	if err != nil {
		t.Fatalf("BuildCertificate: %v", err)
	}
	altered := []store.Signer{{Email: "alice@example.com", Name: "Alice", SigningOrder: 1, Status: SignerSigned, SignedAt: &at, SignedIP: &ip2}}
	_, h2, err := BuildCertificate("dochash", altered, at)
	if err != nil {
		t.Fatalf("BuildCertificate altered: %v", err)
	}
	if h1 == h2 {
		t.Fatal("changing signer evidence must change the certificate hash")
	}
	_, h3, err := BuildCertificate("dochash", base, at)
	if err != nil {
		t.Fatalf("BuildCertificate repeat: %v", err)
	}
	if h1 != h3 {
		t.Fatal("certificate hash must be deterministic for the same inputs")
	}
}
