package common

type Err string

const (
	OK            Err = "OK"
	ErrNoKey      Err = "ErrNoKey"
	ErrWrongShard Err = "ErrWrongShard"
	ErrNotLeader  Err = "ErrNotLeader"
	ErrFailed     Err = "ErrFailed"
	ErrClosed     Err = "ErrClosed"
)
