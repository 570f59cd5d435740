package collab

import (
	"strings"

	"collabCore/backend/internal/ot/delta"
)

// Buffer 文档内容缓冲区：支持按位置寻址的插入/删除，
// 不需要整篇重写文本。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 两个只追加的底层缓冲（original/add）+ 一张 piece 表。
// 插入只向 add 追加并拆分 piece，删除只调整/移除 piece，
// 原始文本永远不动。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	b.Grow(pt.Len())
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			b.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			b.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return b.String()
}

// Apply retain 移动游标，insert/delete 在当前游标处改 piece 表。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := delta.Validate(d); err != nil {
		return err
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pt.insertAt(pos, op.Text)
			pos += len([]rune(op.Text))
		case delta.KindDelete:
			pt.deleteAt(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insertAt(pos int, text string) {
	if text == "" {
		return
	}
	runes := []rune(text)
	start := len(pt.add)
	pt.add = append(pt.add, runes...)
	added := piece{buf: bufAdd, offset: start, length: len(runes)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, added)
		return
	}

	// 拆当前 piece 为 左 / 新 / 右 三段
	cur := pt.pieces[idx]
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if offset > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	out = append(out, added)
	if cur.length-offset > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
}

func (pt *PieceTable) deleteAt(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整个 piece 删掉，idx 不动
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take
			out := make([]piece, 0, len(pt.pieces)+1)
			out = append(out, pt.pieces[:idx]...)
			if leftLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			out = append(out, pt.pieces[idx+1:]...)
			pt.pieces = out
			// idx/offset 不调整：若删到了 piece 尾部，下一轮 can<=0 会自然前进
		}
		remain -= take
	}
}

// locate 把逻辑位置换算成 piece 下标 + 片内偏移。
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
