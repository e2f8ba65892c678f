package sink

import "sync"

// MockSink records published messages for tests.
type MockSink struct {
	mu         sync.Mutex
	Messages   []MockMessage
	PublishErr error
}

// MockMessage is one recorded publish.
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records the message, or fails with PublishErr when set.
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Close is a no-op.
func (m *MockSink) Close() error {
	return nil
}

// Recorded returns a snapshot of the messages seen so far.
func (m *MockSink) Recorded() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// SetPublishErr changes the injected failure.
func (m *MockSink) SetPublishErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishErr = err
}
