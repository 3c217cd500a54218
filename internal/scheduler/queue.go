package scheduler

import (
	"container/heap"
	"sort"

	"github.com/c-atts/catts-app/pkg/types"
)

// taskHeap 依 (RunAt, Seq) 排序的最小堆
type taskHeap []types.ScheduledTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].RunAt != h[j].RunAt {
		return h[i].RunAt < h[j].RunAt
	}
	return h[i].Seq < h[j].Seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(types.ScheduledTask)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TaskQueue 排程佇列，非並發安全，由 MemoryStore 持鎖操作
type TaskQueue struct {
	h   taskHeap
	seq map[uint64]struct{} // 佇列中現存的 Seq，重放時用來判斷事件是否已套用
}

// NewTaskQueue 建立空佇列
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{seq: make(map[uint64]struct{})}
}

// Push 加入任務；相同 Seq 已存在時回傳 false
func (q *TaskQueue) Push(st types.ScheduledTask) bool {
	if _, ok := q.seq[st.Seq]; ok {
		return false
	}
	heap.Push(&q.h, st)
	q.seq[st.Seq] = struct{}{}
	return true
}

// Peek 查看最早到期的任務
func (q *TaskQueue) Peek() (types.ScheduledTask, bool) {
	if len(q.h) == 0 {
		return types.ScheduledTask{}, false
	}
	return q.h[0], true
}

// PopMin 取出最早到期的任務
func (q *TaskQueue) PopMin() (types.ScheduledTask, bool) {
	if len(q.h) == 0 {
		return types.ScheduledTask{}, false
	}
	st := heap.Pop(&q.h).(types.ScheduledTask)
	delete(q.seq, st.Seq)
	return st, true
}

// Remove 依 Seq 移除任務（WAL 重放 POP 事件時使用）
func (q *TaskQueue) Remove(seq uint64) bool {
	if _, ok := q.seq[seq]; !ok {
		return false
	}
	for i := range q.h {
		if q.h[i].Seq == seq {
			heap.Remove(&q.h, i)
			delete(q.seq, seq)
			return true
		}
	}
	return false
}

// Len 佇列長度
func (q *TaskQueue) Len() int { return len(q.h) }

// Items 依到期順序回傳所有任務的複本
func (q *TaskQueue) Items() []types.ScheduledTask {
	out := make([]types.ScheduledTask, len(q.h))
	copy(out, q.h)
	sortScheduled(out)
	return out
}

func sortScheduled(items []types.ScheduledTask) {
	h := taskHeap(items)
	sort.Slice(items, h.Less)
}
