package backend

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// MockAssistant — заглушка бэкенда для локальной разработки и демо.
// Стримит консервированный ответ по словам с правдоподобной задержкой.
type MockAssistant struct{}

func (m *MockAssistant) Stream(ctx context.Context, req Request, emit func(Event) error) (*Result, error) {
	last := ""
	if len(req.Messages) > 0 {
		last = req.Messages[len(req.Messages)-1].Content
	}

	// Имитируем обращение к инструментам по ключевым словам
	if strings.Contains(strings.ToLower(last), "заказ") || strings.Contains(strings.ToLower(last), "order") {
		if err := emit(Event{Type: EventToolUse, ToolName: "lookup_order"}); err != nil {
			return nil, err
		}
	}

	reply := fmt.Sprintf("Спасибо за обращение! Я разобрался с вашим вопросом: %q. Если что-то осталось неясным — напишите снова.", last)
	var sb strings.Builder

	for _, word := range strings.Fields(reply) {
		// Задержка 10-40мс на слово — похоже на реальный token stream
		latency := time.Duration(10+rand.Intn(30)) * time.Millisecond
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		chunk := word + " "
		if err := emit(Event{Type: EventText, Text: chunk}); err != nil {
			return nil, err
		}
		sb.WriteString(chunk)
	}

	if err := emit(Event{Type: EventDone}); err != nil {
		return nil, err
	}

	return &Result{
		Text: sb.String(),
		Usage: Usage{
			InputTokens:  len(last) / 4,
			OutputTokens: sb.Len() / 4,
		},
	}, nil
}
