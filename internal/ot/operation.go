// Package ot implements plain-text operational transformation: the edit
// primitives, their application to document content, pairwise transformation
// of concurrent operations and a content checksum for drift detection.
//
// Positions and lengths are counted in Unicode code points.
package ot

import (
	"errors"
	"fmt"
)

// Type 操作类型
type Type string

const (
	TypeInsert Type = "insert" // 插入
	TypeDelete Type = "delete" // 删除
	TypeRetain Type = "retain" // 保留
	TypeFormat Type = "format" // 格式 (不修改内容)
)

var ErrInvalidOperation = errors.New("invalid operation")

// Operation is an immutable edit primitive. Position and Length are offsets
// into the content the operation is applied to.
type Operation struct {
	Type       Type              `json:"type"`
	Position   int               `json:"position"`
	Length     int               `json:"length,omitempty"`
	Content    string            `json:"content,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Insert returns an insert of text at pos.
func Insert(pos int, text string) Operation {
	return Operation{Type: TypeInsert, Position: pos, Content: text}
}

// Delete returns a delete of n runes starting at pos.
func Delete(pos, n int) Operation {
	return Operation{Type: TypeDelete, Position: pos, Length: n}
}

// Retain returns a retain covering n runes at pos.
func Retain(pos, n int) Operation {
	return Operation{Type: TypeRetain, Position: pos, Length: n}
}

// Validate rejects unknown types and negative offsets. Apply itself never fails.
func (op Operation) Validate() error {
	switch op.Type {
	case TypeInsert, TypeDelete, TypeRetain, TypeFormat:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Position)
	}
	if op.Length < 0 {
		return fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
	}
	return nil
}

// ValidateAll validates every operation of a batch.
func ValidateAll(ops []Operation) error {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return nil
}

// InsertedLength returns the rune length of the inserted content.
func (op Operation) InsertedLength() int {
	return len([]rune(op.Content))
}

// End returns the exclusive end offset of a delete or retain.
func (op Operation) End() int {
	return op.Position + op.Length
}

// Equal compares type, position, length and content. Attributes are ignored.
func (op Operation) Equal(other Operation) bool {
	return op.Type == other.Type &&
		op.Position == other.Position &&
		op.Length == other.Length &&
		op.Content == other.Content
}

func (op Operation) String() string {
	switch op.Type {
	case TypeInsert:
		return fmt.Sprintf("insert(%d,%q)", op.Position, op.Content)
	case TypeDelete, TypeRetain:
		return fmt.Sprintf("%s(%d,%d)", op.Type, op.Position, op.Length)
	default:
		return fmt.Sprintf("%s(%d)", op.Type, op.Position)
	}
}

// Apply applies op to content. Offsets outside the content are clamped.
func Apply(content string, op Operation) string {
	switch op.Type {
	case TypeInsert:
		runes := []rune(content)
		pos := clamp(op.Position, 0, len(runes))
		out := make([]rune, 0, len(runes)+op.InsertedLength())
		out = append(out, runes[:pos]...)
		out = append(out, []rune(op.Content)...)
		out = append(out, runes[pos:]...)
		return string(out)
	case TypeDelete:
		if op.Length <= 0 {
			return content
		}
		runes := []rune(content)
		start := clamp(op.Position, 0, len(runes))
		end := clamp(op.Position+op.Length, start, len(runes))
		out := make([]rune, 0, len(runes)-(end-start))
		out = append(out, runes[:start]...)
		out = append(out, runes[end:]...)
		return string(out)
	default:
		// retain / format
		return content
	}
}

// ApplyAll folds Apply over ops from left to right.
func ApplyAll(content string, ops []Operation) string {
	for _, op := range ops {
		content = Apply(content, op)
	}
	return content
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
