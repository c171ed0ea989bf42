package kv

import "context"

// Tx queues commands that are applied atomically on Exec, provided every
// precondition still holds at that moment.
type Tx interface {
	ListLengthEqual(key string, n int64) Tx
	SetLengthEqual(key string, n int64) Tx

	LPush(key string, values ...string) Tx
	RPush(key string, values ...string) Tx
	LRem(key string, count int64, value string) Tx
	Publish(channel, message string) Tx

	// Exec applies the queued commands. It returns false, nil when a
	// precondition failed or a guarded key changed concurrently; nothing is
	// applied in that case.
	Exec(ctx context.Context) (bool, error)
}

type ConditionKind int

const (
	CondListLength ConditionKind = iota + 1
	CondSetLength
)

type Condition struct {
	Kind ConditionKind
	Key  string
	N    int64
}

type OpKind int

const (
	OpLPush OpKind = iota + 1
	OpRPush
	OpLRem
	OpPublish
)

type Op struct {
	Kind   OpKind
	Key    string
	Values []string
	Count  int64
}

// Batch is the recorded content of a transaction, handed to the store
// implementation on Exec.
type Batch struct {
	Conditions []Condition
	Ops        []Op
}

// Keys returns every key named by a precondition.
func (b *Batch) Keys() []string {
	keys := make([]string, 0, len(b.Conditions))
	for _, c := range b.Conditions {
		keys = append(keys, c.Key)
	}
	return keys
}

type ExecFunc func(ctx context.Context, b *Batch) (bool, error)

type tx struct {
	b    Batch
	exec ExecFunc
}

// NewTx returns a Tx recording into a Batch that exec applies.
func NewTx(exec ExecFunc) Tx { return &tx{exec: exec} }

func (t *tx) ListLengthEqual(key string, n int64) Tx {
	t.b.Conditions = append(t.b.Conditions, Condition{Kind: CondListLength, Key: key, N: n})
	return t
}

func (t *tx) SetLengthEqual(key string, n int64) Tx {
	t.b.Conditions = append(t.b.Conditions, Condition{Kind: CondSetLength, Key: key, N: n})
	return t
}

func (t *tx) LPush(key string, values ...string) Tx {
	t.b.Ops = append(t.b.Ops, Op{Kind: OpLPush, Key: key, Values: values})
	return t
}

func (t *tx) RPush(key string, values ...string) Tx {
	t.b.Ops = append(t.b.Ops, Op{Kind: OpRPush, Key: key, Values: values})
	return t
}

func (t *tx) LRem(key string, count int64, value string) Tx {
	t.b.Ops = append(t.b.Ops, Op{Kind: OpLRem, Key: key, Count: count, Values: []string{value}})
	return t
}

func (t *tx) Publish(channel, message string) Tx {
	t.b.Ops = append(t.b.Ops, Op{Kind: OpPublish, Key: channel, Values: []string{message}})
	return t
}

func (t *tx) Exec(ctx context.Context) (bool, error) { return t.exec(ctx, &t.b) }
