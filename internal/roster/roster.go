package roster

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatbridge/internal/storage"
	logx "chatbridge/pkg/logx"
)

// Service is the roster API. Writes are serialized so uniqueness checks and
// the following insert are atomic with respect to each other.
type Service struct {
	log logx.Logger
	now func() time.Time
	loc func() *time.Location

	mu        sync.Mutex
	employees *storage.Collection[Employee]
	schedules *storage.Collection[Schedule]
	logs      *storage.Collection[MessageLog]
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLocation sets the zone in which "today" is computed.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = func() *time.Location { return loc }
		}
	}
}

// WithZone is consulted on every call to Today.
func WithZone(zone func() *time.Location) Option {
	return func(s *Service) {
		if zone != nil {
			s.loc = zone
		}
	}
}

func New(st storage.Store, opts ...Option) *Service {
	s := &Service{
		log:       logx.Nop(),
		now:       time.Now,
		loc:       func() *time.Location { return time.Local },
		employees: storage.NewCollection[Employee](st, collEmployees),
		schedules: storage.NewCollection[Schedule](st, collSchedules),
		logs:      storage.NewCollection[MessageLog](st, collMessageLogs),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Today is the current calendar day in the service's location.
func (s *Service) Today() Date { return DateOf(s.now().In(s.loc())) }

func newID() string { return uuid.NewString() }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// notFound maps storage misses to ErrNotFound and leaves other errors alone.
func notFound(err error, what string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s %w", what, ErrNotFound)
	}
	return err
}
