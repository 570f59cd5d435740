package delta

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op 是封闭的三元组件：retain/insert/delete，消费处必须穷举匹配。
// 未知 Kind 一律按校验错误处理，不允许静默落空。
type Op struct {
	Kind  Kind   `json:"type"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// "components":[{"type":"retain","count":5},{"type":"insert","text":"Hello"}]

func Retain(n int) Op       { return Op{Kind: KindRetain, Count: n} }
func Insert(text string) Op { return Op{Kind: KindInsert, Text: text} }
func Delete(n int) Op       { return Op{Kind: KindDelete, Count: n} }

var ErrInvalidComponent = errors.New("INVALID_COMPONENT")

// Validate 前置校验整个组件序列：负数长度、未知类型都直接失败。
// 零长度 retain/delete、空 insert 是合法的，算法侧必须容忍。
func Validate(d Delta) error {
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count < 0 {
				return fmt.Errorf("%w: component %d: negative count %d", ErrInvalidComponent, i, op.Count)
			}
		case KindInsert:
			// Go 的 string 不存在 null，空串合法
		default:
			return fmt.Errorf("%w: component %d: unknown kind %q", ErrInvalidComponent, i, op.Kind)
		}
	}
	return nil
}

// Len 返回组件的"宽度"：retain/delete 为 Count，insert 为文本长度。
func (op Op) Len() int {
	if op.Kind == KindInsert {
		return len([]rune(op.Text))
	}
	return op.Count
}

// IsZero 零宽组件：Retain(0)/Delete(0)/Insert("")。
func (op Op) IsZero() bool {
	return op.Len() == 0
}
