package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/meow-io/go-seal/clock"
	"github.com/meow-io/go-seal/config"
	db "github.com/meow-io/go-seal/internal/db"
)

type ID [8]byte

func newID() ID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	testCleanup()
	return c
}

func testCleanup() {
	DeleteAll("*-journal")
	DeleteAll("test-*")
}

func NewTestDatabase(c *config.Config) *db.Database {
	id := newID()
	path := fmt.Sprintf("test-%x", id[:])
	db, err := db.NewDatabase(c, path)
	if err != nil {
		panic(err)
	}
	key := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	if err := db.Initialize(key); err != nil {
		panic(err)
	}
	if err := db.Open(key); err != nil {
		panic(err)
	}
	return db
}

// A clock for tests which can be advanced manually and fires timers when the
// offset passes their deadline.
type Clock struct {
	offsetMicro uint64
	timers      []*testTimer
}

type testTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (tt *testTimer) Stop() bool {
	if tt.fired || tt.stopped {
		return false
	}
	tt.stopped = true
	return true
}

func NewClock() *Clock {
	return &Clock{}
}

func (tc *Clock) CurrentTimeMicro() uint64 {
	return uint64(time.Now().UnixMicro()) + tc.offsetMicro
}

func (tc *Clock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli()) + tc.offsetMicro/1000
}

func (tc *Clock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMs() / 1000
}

func (tc *Clock) Now() time.Time {
	return time.Now().Add(time.Duration(tc.offsetMicro * uint64(time.Microsecond)))
}

func (tc *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	t := &testTimer{at: tc.Now().Add(d), f: f}
	tc.timers = append(tc.timers, t)
	return t
}

func (tc *Clock) AdvanceMs(a uint64) {
	tc.offsetMicro += a * 1000
	now := tc.Now()
	for _, t := range tc.timers {
		if t.stopped || t.fired {
			continue
		}
		if !t.at.After(now) {
			t.fired = true
			t.f()
		}
	}
}
