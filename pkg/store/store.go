package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Swap is the journal header for one swap: identity, role, and completion
// status. Event history lives in Event rows.
type Swap struct {
	gorm.Model

	UUID      string `gorm:"uniqueIndex"`
	Role      string
	MakerCoin string
	TakerCoin string

	// Terminals is the comma-joined set of event kinds that close this
	// swap's journal; it is fixed at creation so replay after a version
	// bump still honors the machine that wrote the history.
	Terminals string

	Finished bool
	Success  bool
}

// Event is one journal row. Rows for a swap are strictly append-only and
// ordered by ID; Timestamp is unix milliseconds, clamped monotonic per swap.
type Event struct {
	gorm.Model

	SwapUUID  string `gorm:"index"`
	Kind      string
	Timestamp int64
	Data      []byte
}

// Record is the store-independent view of one journal entry.
type Record struct {
	Kind      string          `json:"event_kind"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"event_data,omitempty"`
}

// Meta is the journal header in store-independent form.
type Meta struct {
	UUID      string
	Role      string
	MakerCoin string
	TakerCoin string
	Finished  bool
	Success   bool
	StartedAt time.Time
}

var (
	ErrSwapExists   = errors.New("swap journal already exists")
	ErrSwapNotFound = errors.New("swap journal not found")
	ErrSwapClosed   = errors.New("swap journal is closed")
)

type Store interface {
	// CreateSwap opens a journal. terminals lists the event kinds that
	// close it; AppendEvent rejects anything after one of those lands.
	CreateSwap(uuid, role, makerCoin, takerCoin string, terminals []string) error
	AppendEvent(uuid string, rec Record) error
	LoadEvents(uuid string) ([]Record, error)
	SwapMeta(uuid string) (*Meta, error)
	// MarkFinished closes the journal; success records whether the swap
	// completed rather than aborted.
	MarkFinished(uuid string, success bool) error
	ListUnfinished() ([]Meta, error)
	ListSwaps(limit int) ([]Meta, error)
}

type store struct {
	mu sync.Mutex
	db *gorm.DB

	// lastStamp holds the last timestamp written per swap so wall-clock
	// regressions never reorder a journal.
	lastStamp map[string]int64
}

func New(dialector gorm.Dialector, opts ...gorm.Option) (Store, error) {
	db, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Swap{}, &Event{}); err != nil {
		return nil, err
	}
	return &store{db: db, lastStamp: map[string]int64{}}, nil
}

func (s *store) CreateSwap(uuid, role, makerCoin, takerCoin string, terminals []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if tx := s.db.Model(&Swap{}).Where("uuid = ?", uuid).Count(&count); tx.Error != nil {
		return tx.Error
	}
	if count > 0 {
		return fmt.Errorf("%w: %v", ErrSwapExists, uuid)
	}
	if tx := s.db.Create(&Swap{
		UUID:      uuid,
		Role:      role,
		MakerCoin: makerCoin,
		TakerCoin: takerCoin,
		Terminals: strings.Join(terminals, ","),
	}); tx.Error != nil {
		return tx.Error
	}
	return nil
}

func (s *store) AppendEvent(uuid string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	swap, err := s.getSwap(uuid)
	if err != nil {
		return err
	}
	if swap.Finished {
		return fmt.Errorf("%w: %v", ErrSwapClosed, uuid)
	}

	var last Event
	tx := s.db.Where("swap_uuid = ?", uuid).Order("id desc").First(&last)
	if tx.Error == nil && isTerminal(swap, last.Kind) {
		return fmt.Errorf("%w: %v ended with %v", ErrSwapClosed, uuid, last.Kind)
	}
	if tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
		return tx.Error
	}

	stamp := rec.Timestamp
	if stamp == 0 {
		stamp = time.Now().UnixMilli()
	}
	if prev := s.lastStamp[uuid]; stamp < prev {
		stamp = prev
	}
	if tx.Error == nil && stamp < last.Timestamp {
		stamp = last.Timestamp
	}
	s.lastStamp[uuid] = stamp

	if tx := s.db.Create(&Event{
		SwapUUID:  uuid,
		Kind:      rec.Kind,
		Timestamp: stamp,
		Data:      rec.Data,
	}); tx.Error != nil {
		return tx.Error
	}
	return nil
}

func (s *store) LoadEvents(uuid string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getSwap(uuid); err != nil {
		return nil, err
	}
	var rows []Event
	if tx := s.db.Where("swap_uuid = ?", uuid).Order("id asc").Find(&rows); tx.Error != nil {
		return nil, tx.Error
	}
	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = Record{Kind: row.Kind, Timestamp: row.Timestamp, Data: row.Data}
	}
	return records, nil
}

func (s *store) SwapMeta(uuid string) (*Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swap, err := s.getSwap(uuid)
	if err != nil {
		return nil, err
	}
	meta := toMeta(swap)
	return &meta, nil
}

func (s *store) MarkFinished(uuid string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	swap, err := s.getSwap(uuid)
	if err != nil {
		return err
	}
	if tx := s.db.Model(swap).Updates(map[string]interface{}{
		"finished": true,
		"success":  success,
	}); tx.Error != nil {
		return tx.Error
	}
	delete(s.lastStamp, uuid)
	return nil
}

func (s *store) ListUnfinished() ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []Swap
	if tx := s.db.Where("finished = ?", false).Order("id asc").Find(&rows); tx.Error != nil {
		return nil, tx.Error
	}
	return toMetas(rows), nil
}

func (s *store) ListSwaps(limit int) ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.db.Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []Swap
	if tx := query.Find(&rows); tx.Error != nil {
		return nil, tx.Error
	}
	return toMetas(rows), nil
}

func (s *store) getSwap(uuid string) (*Swap, error) {
	var swap Swap
	if tx := s.db.Where("uuid = ?", uuid).First(&swap); tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrSwapNotFound, uuid)
		}
		return nil, tx.Error
	}
	return &swap, nil
}

func isTerminal(swap *Swap, kind string) bool {
	if swap.Terminals == "" {
		return false
	}
	for _, terminal := range strings.Split(swap.Terminals, ",") {
		if terminal == kind {
			return true
		}
	}
	return false
}

func toMeta(swap *Swap) Meta {
	return Meta{
		UUID:      swap.UUID,
		Role:      swap.Role,
		MakerCoin: swap.MakerCoin,
		TakerCoin: swap.TakerCoin,
		Finished:  swap.Finished,
		Success:   swap.Success,
		StartedAt: swap.CreatedAt,
	}
}

func toMetas(rows []Swap) []Meta {
	metas := make([]Meta, len(rows))
	for i := range rows {
		metas[i] = toMeta(&rows[i])
	}
	return metas
}
