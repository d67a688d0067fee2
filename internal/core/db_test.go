// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

func TestConcurrentCounterIncrements(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a database with a counter key", t, func() {
		ctx := context.Background()
		db := New()
		defer db.Close(ctx)

		So(db.Txn(ctx, func(tx *Txn) error {
			tx.Put(ctx, []byte("counter"), []byte("0"))
			return nil
		}), ShouldBeNil)

		Convey("When goroutines increment it with retry on conflict", func() {
			const goroutines = 8
			const increments = 50

			var committed atomic.Uint64
			var wg sync.WaitGroup

			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < increments; j++ {
						for {
							tx := db.Begin(ctx)
							rec, _ := tx.Get(ctx, []byte("counter"))
							n, _ := strconv.Atoi(string(rec))
							tx.Put(ctx, []byte("counter"), []byte(strconv.Itoa(n+1)))
							err := tx.Commit(ctx)
							if err == nil {
								committed.Add(1)
								break
							}
							if !errors.Is(err, ErrConflict) {
								panic(err)
							}
						}
					}
				}()
			}
			wg.Wait()

			Convey("Then no increment is lost", func() {
				tx := db.Begin(ctx)
				defer tx.Abort()
				rec, ok := tx.Get(ctx, []byte("counter"))
				So(ok, ShouldBeTrue)
				So(string(rec), ShouldEqual, strconv.Itoa(goroutines*increments))
				So(committed.Load(), ShouldEqual, uint64(goroutines*increments))
			})
		})
	})
}

func TestConcurrentDisjointWriters(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a database", t, func() {
		ctx := context.Background()
		db := New()
		defer db.Close(ctx)

		Convey("When writers touch disjoint key spaces", func() {
			const goroutines = 8
			const keys = 100

			var wg sync.WaitGroup
			for i := 0; i < goroutines; i++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					for j := 0; j < keys; j++ {
						err := db.Txn(ctx, func(tx *Txn) error {
							tx.Put(ctx, []byte(fmt.Sprintf("w%d-k%03d", id, j)), []byte("v"))
							return nil
						})
						if err != nil {
							panic(err)
						}
					}
				}(i)
			}
			wg.Wait()

			Convey("Then every write is visible", func() {
				tx := db.Begin(ctx)
				defer tx.Abort()
				count := 0
				tx.Scan(ctx, []byte("w"), []byte("x"), func(key, rec []byte) bool {
					count++
					return true
				})
				So(count, ShouldEqual, goroutines*keys)
			})
		})
	})
}

func TestScannersRacingInserters(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given scanners and inserters sharing a key range", t, func() {
		ctx := context.Background()
		db := New()
		defer db.Close(ctx)

		const inserters = 4
		const scanners = 4
		const perWorker = 50

		var phantoms atomic.Uint64
		var wg sync.WaitGroup

		for i := 0; i < inserters; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					err := db.Txn(ctx, func(tx *Txn) error {
						tx.Put(ctx, []byte(fmt.Sprintf("r-%d-%03d", id, j)), []byte("v"))
						return nil
					})
					if err != nil && !errors.Is(err, ErrConflict) {
						panic(err)
					}
				}
			}(i)
		}

		for i := 0; i < scanners; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					tx := db.Begin(ctx)
					tx.Scan(ctx, []byte("r-"), []byte("r-~"), func(key, rec []byte) bool { return true })
					if err := tx.Commit(ctx); errors.Is(err, ErrConflict) {
						phantoms.Add(1)
					}
				}
			}()
		}

		wg.Wait()

		Convey("Then the store is intact and phantom aborts were counted", func() {
			tx := db.Begin(ctx)
			defer tx.Abort()
			count := 0
			tx.Scan(ctx, []byte("r-"), []byte("r-~"), func(key, rec []byte) bool {
				count++
				return true
			})
			So(count, ShouldEqual, inserters*perWorker)

			// Metrics flow through a background goroutine; wait for them.
			s := db.Metrics(ctx)
			deadline := time.Now().Add(2 * time.Second)
			for s.Txns.AbortsPhantom < phantoms.Load() && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
				s = db.Metrics(ctx)
			}
			So(s.Txns.AbortsPhantom, ShouldEqual, phantoms.Load())
		})
	})
}

func TestEvictedRecordReclamation(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a key pushed past its cell capacity", t, func() {
		ctx := context.Background()
		db := New(WithGCInterval(time.Hour)) // sweep manually
		defer db.Close(ctx)

		old := db.Begin(ctx) // pins the retired buffers

		for i := 0; i < 40; i++ {
			So(db.Txn(ctx, func(tx *Txn) error {
				tx.Put(ctx, []byte("hot"), []byte(fmt.Sprintf("v%d", i)))
				return nil
			}), ShouldBeNil)
		}

		Convey("When an old snapshot is still live", func() {
			db.collect()
			db.retiredMu.Lock()
			pinned := len(db.retired)
			db.retiredMu.Unlock()
			So(pinned, ShouldBeGreaterThan, 0)

			Convey("Then resolving it releases the buffers", func() {
				old.Abort()
				db.collect()
				db.retiredMu.Lock()
				remaining := len(db.retired)
				db.retiredMu.Unlock()
				So(remaining, ShouldEqual, 0)
			})
		})
	})
}

func TestCloseStopsBackgroundWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	db := New(WithGCInterval(time.Millisecond))

	for i := 0; i < 100; i++ {
		if err := db.Txn(ctx, func(tx *Txn) error {
			tx.Put(ctx, []byte("k"), []byte("v"))
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	db.Close(ctx)
}

func TestMetricsAccounting(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a mix of outcomes", t, func() {
		ctx := context.Background()
		db := New()
		defer db.Close(ctx)

		So(db.Txn(ctx, func(tx *Txn) error {
			tx.Put(ctx, []byte("k"), []byte("v"))
			return nil
		}), ShouldBeNil)

		t1 := db.Begin(ctx)
		t1.Scan(ctx, nil, nil, func(key, rec []byte) bool { return true })
		So(db.Txn(ctx, func(tx *Txn) error {
			tx.Put(ctx, []byte("intruder"), []byte("x"))
			return nil
		}), ShouldBeNil)
		So(errors.Is(t1.Commit(ctx), ErrConflict), ShouldBeTrue)

		t2 := db.Begin(ctx)
		t2.Abort()

		Convey("Then the snapshot reflects them", func() {
			var s = db.Metrics(ctx)
			deadline := time.Now().Add(2 * time.Second)
			for (s.Txns.Begins < 4 || s.Txns.Aborts < 2) && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
				s = db.Metrics(ctx)
			}
			So(s.Txns.Begins, ShouldEqual, 4)
			So(s.Txns.Commits, ShouldEqual, 2)
			So(s.Txns.AbortsPhantom, ShouldEqual, 1)
			So(s.Txns.AbortsRequested, ShouldEqual, 1)
			So(s.ActiveSnapshots, ShouldEqual, 0)
		})
	})
}
