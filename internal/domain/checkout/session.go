// Package checkout owns the per-terminal checkout session and settles its
// cart into a stored sale.
package checkout

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/oolio-pos/internal/domain/cart"
	"github.com/xenking/oolio-pos/internal/domain/catalog"
)

// Session is the checkout state of one terminal: its cart, the open
// quantity capture and the idempotency key of the next sale. The key
// changes whenever the cart changes, so a retried settlement of an
// unchanged cart reuses it.
type Session struct {
	terminal string

	mu      sync.Mutex
	cart    *cart.Cart
	capture cart.Capture
	key     uuid.UUID

	settling atomic.Bool
}

// NewSession returns an empty session for terminal.
func NewSession(terminal string) *Session {
	return &Session{
		terminal: terminal,
		cart:     cart.New(),
		key:      uuid.New(),
	}
}

// Terminal returns the id of the terminal owning the session.
func (s *Session) Terminal() string { return s.terminal }

// View is a point-in-time copy of a session.
type View struct {
	Terminal       string
	Lines          []cart.Line
	Total          decimal.Decimal
	Capture        cart.CaptureState
	CaptureArticle catalog.Article
	Settling       bool
}

// View returns a copy of the current session state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, _ := s.capture.Article()
	return View{
		Terminal:       s.terminal,
		Lines:          s.cart.Lines(),
		Total:          s.cart.Total(),
		Capture:        s.capture.State(),
		CaptureArticle: a,
		Settling:       s.settling.Load(),
	}
}

// lock acquires the session mutex for a cart mutation. It fails while a
// settlement is in flight.
func (s *Session) lock() error {
	s.mu.Lock()
	if s.settling.Load() {
		s.mu.Unlock()
		return ErrSettlementInProgress
	}
	return nil
}

// OpenCapture starts a quantity capture for article.
func (s *Session) OpenCapture(article catalog.Article) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.capture.Open(article)
	return nil
}

// ConfirmCapture parses the entered quantity and optional price and adds
// the result to the cart. Invalid input leaves the capture open.
func (s *Session) ConfirmCapture(quantity, price string) (cart.Result, error) {
	if err := s.lock(); err != nil {
		return cart.Result{}, err
	}
	defer s.mu.Unlock()

	res, err := s.capture.Confirm(quantity, price)
	if err != nil {
		return cart.Result{}, err
	}
	if err := s.cart.AddLine(res.Article, res.Quantity); err != nil {
		return cart.Result{}, err
	}
	s.key = uuid.New()
	return res, nil
}

// CancelCapture closes the capture without touching the cart.
func (s *Session) CancelCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capture.Cancel()
}

// AddLine adds article to the cart directly, bypassing the capture.
func (s *Session) AddLine(article catalog.Article, quantity int) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := s.cart.AddLine(article, quantity); err != nil {
		return err
	}
	s.key = uuid.New()
	return nil
}

// RemoveLine removes the cart line at index.
func (s *Session) RemoveLine(index int) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := s.cart.RemoveLine(index); err != nil {
		return err
	}
	s.key = uuid.New()
	return nil
}

// Abandon clears the cart and any open capture.
func (s *Session) Abandon() error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.reset()
	return nil
}

func (s *Session) reset() {
	s.cart.Clear()
	s.capture.Cancel()
	s.key = uuid.New()
}

// Registry holds one session per terminal.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Session returns the session of terminal, creating it on first use.
func (r *Registry) Session(terminal string) (*Session, error) {
	if terminal == "" {
		return nil, ErrUnknownTerminal
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[terminal]
	if !ok {
		s = NewSession(terminal)
		r.sessions[terminal] = s
	}
	return s, nil
}
