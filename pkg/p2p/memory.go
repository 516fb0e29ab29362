package p2p

import "sync"

// MemoryTransport delivers messages between subscribers in the same process.
// Sends never block: a subscriber with a full buffer misses the message, the
// same as a slow peer on a real network.
type MemoryTransport struct {
	mu   sync.Mutex
	subs map[string]map[int]chan []byte
	next int
}

const memoryBufferSize = 64

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: map[string]map[int]chan []byte{}}
}

func (t *MemoryTransport) Send(topic string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.subs[topic] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(topic string) (<-chan []byte, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.subs[topic] == nil {
		t.subs[topic] = map[int]chan []byte{}
	}
	id := t.next
	t.next++
	ch := make(chan []byte, memoryBufferSize)
	t.subs[topic][id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[topic][id]; ok {
			delete(t.subs[topic], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}
