package orchestrator

// Stream — выход processStream: последовательность чанков, завершаемая
// закрытием канала. Err() валиден после того, как Chunks() исчерпан.
type Stream struct {
	RequestID      string
	AgentLabel     string
	ConversationID string

	chunks chan string
	err    error
}

func newStream(requestID, agentLabel, conversationID string, buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{
		RequestID:      requestID,
		AgentLabel:     agentLabel,
		ConversationID: conversationID,
		chunks:         make(chan string, buffer),
	}
}

// Chunks — канал фрагментов ответа. Потребитель, который не читает,
// притормаживает продюсера: буфер ограничен, бесконечного накопления нет.
func (s *Stream) Chunks() <-chan string {
	return s.chunks
}

// Err возвращает терминальную ошибку потока.
// Читать только после закрытия Chunks(): до этого значение не зафиксировано.
func (s *Stream) Err() error {
	return s.err
}

// close фиксирует исход и закрывает канал. Вызывается ровно один раз.
func (s *Stream) close(err error) {
	s.err = err
	close(s.chunks)
}
