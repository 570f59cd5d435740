// Package ot 实现组件级的 Operational Transformation：
// 把一个基于旧版本的操作，沿服务端已提交的操作序列逐个 rebase，
// 使并发编辑在所有副本上收敛到同一内容。
package ot

import (
	"collabCore/backend/internal/oplog"
	"collabCore/backend/internal/ot/delta"
)

// Transform 把客户端操作沿单个已提交操作 rebase 一步：
// 组件序列做变换，新的 base 版本固定为该服务端操作的 base 版本 +1。
// 出错时不产出任何部分结果。
func Transform(components delta.Delta, server oplog.CommittedOp) (delta.Delta, uint64, error) {
	out, err := TransformComponents(components, server.Components)
	if err != nil {
		return nil, 0, err
	}
	return out, server.BaseVersion + 1, nil
}

// TransformComponents 用双游标同时走 client / server 两个组件序列，
// 每一步消费两侧重叠的最小长度。产出的是 client 操作在
// server 操作已生效后的等价形式。
//
// 约定：
//   - 同位置并发插入按 server 先、client 后排序（所有副本一致即可）。
//   - server 序列先耗尽：client 剩余组件按原序原样追加。
//   - client 序列先耗尽：立即结束。server 的剩余部分在其自身提交时
//     已经生效，不需要出现在输出里。
//   - 零宽组件（Retain(0)/Delete(0)/Insert("")）合法：client 侧原样
//     放行，server 侧直接跳过，避免 min=0 导致的死循环。
func TransformComponents(client, server delta.Delta) (delta.Delta, error) {
	// 先整体校验，再开始产出（fail-fast，不允许半截结果）
	if err := delta.Validate(client); err != nil {
		return nil, err
	}
	if err := delta.Validate(server); err != nil {
		return nil, err
	}

	out := make(delta.Delta, 0, len(client)+len(server))

	ci, si := 0, 0
	var c, s delta.Op
	cLoaded, sLoaded := false, false

	for {
		if !cLoaded {
			if ci >= len(client) {
				// client 耗尽：立即结束（见函数头注释）
				return out, nil
			}
			c = client[ci]
			ci++
			cLoaded = true
		}
		if !sLoaded {
			if si >= len(server) {
				// server 耗尽：client 剩余原样追加
				out = append(out, c)
				out = append(out, client[ci:]...)
				return out, nil
			}
			s = server[si]
			si++
			sLoaded = true
		}

		// 零宽组件的放行/跳过
		if s.IsZero() {
			sLoaded = false
			continue
		}
		if c.IsZero() {
			out = append(out, c)
			cLoaded = false
			continue
		}

		switch c.Kind {
		case delta.KindRetain:
			switch s.Kind {
			case delta.KindRetain:
				n := minInt(c.Count, s.Count)
				out = append(out, delta.Retain(n))
				c.Count -= n
				s.Count -= n
				cLoaded = c.Count > 0
				sLoaded = s.Count > 0
			case delta.KindInsert:
				// server 插入的文本需要被跳过
				out = append(out, delta.Retain(s.Len()))
				sLoaded = false
			case delta.KindDelete:
				// server 已删掉这段，client 不需要再 retain
				n := minInt(c.Count, s.Count)
				c.Count -= n
				s.Count -= n
				cLoaded = c.Count > 0
				sLoaded = s.Count > 0
			}

		case delta.KindInsert:
			if s.Kind == delta.KindInsert {
				// 同位置并发插入：server 先、client 后
				out = append(out, delta.Retain(s.Len()))
			}
			out = append(out, c)
			cLoaded = false

		case delta.KindDelete:
			switch s.Kind {
			case delta.KindRetain:
				n := minInt(c.Count, s.Count)
				out = append(out, delta.Delete(n))
				c.Count -= n
				s.Count -= n
				cLoaded = c.Count > 0
				sLoaded = s.Count > 0
			case delta.KindInsert:
				// 先跨过 server 插入的文本，删除动作留到下一轮
				out = append(out, delta.Retain(s.Len()))
				sLoaded = false
			case delta.KindDelete:
				// 两边删的是同一段，删一次就够
				n := minInt(c.Count, s.Count)
				c.Count -= n
				s.Count -= n
				cLoaded = c.Count > 0
				sLoaded = s.Count > 0
			}
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
