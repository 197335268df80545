package backend

import (
	"context"
	"encoding/json"
)

// Message — одна реплика диалога с клиентом.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Tool — именованный инструмент, который модель может вызвать в ходе генерации.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`

	// Execute выполняет инструмент. Реализации живут за пределами ядра.
	Execute func(ctx context.Context, input json.RawMessage) (string, error) `json:"-"`
}

// Request — один вызов генерации: инструкция, история и доступные инструменты.
type Request struct {
	System   string
	Messages []Message
	Tools    []Tool
}

// EventType — тип события в потоке генерации.
type EventType string

const (
	EventText    EventType = "text"     // очередной фрагмент текста ответа
	EventToolUse EventType = "tool_use" // модель вызвала инструмент
	EventDone    EventType = "done"     // генерация завершена, доступен Usage
)

// Event — элемент потока от бэкенда.
type Event struct {
	Type     EventType
	Text     string // для EventText
	ToolName string // для EventToolUse
}

// Usage — учет токенов, сообщается бэкендом по завершении.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result — итог одного успешного вызова Stream.
type Result struct {
	Text  string // полный сконкатенированный ответ
	Usage Usage
}

// Generator — контракт модельного бэкенда: принимает промпт и набор инструментов,
// может вызывать инструменты по именам и отдает текст потоком через emit.
// Ошибка из emit означает, что потребитель потока отвалился: генерацию нужно прервать.
type Generator interface {
	Stream(ctx context.Context, req Request, emit func(Event) error) (*Result, error)
}
