package wig

import (
	"sync"

	"github.com/biogo/hts/sam"
	"github.com/biotoolbox/gotoolbox/bamsrc"
	"github.com/pkg/errors"
)

// ChromFunc does the work for the i'th reference using a source owned by the
// calling worker.
type ChromFunc func(src bamsrc.Source, i int, ref *sam.Reference) error

// Each calls fn once for every ref on up to cpu workers. With more than one
// worker each gets its own clone of src. After the first error no new
// references are started and that error is returned.
func Each(src bamsrc.Source, refs []*sam.Reference, cpu int, fn ChromFunc) error {
	if cpu < 1 {
		cpu = 1
	}
	if cpu > len(refs) {
		cpu = len(refs)
	}
	if cpu <= 1 {
		for i, ref := range refs {
			if err := fn(src, i, ref); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	jobs := make(chan int)
	go func() {
		defer close(jobs)
		for i := range refs {
			if failed() {
				return
			}
			jobs <- i
		}
	}()

	for w := 0; w < cpu; w++ {
		wsrc, err := src.Clone()
		if err != nil {
			fail(errors.Wrap(err, "wig: cloning alignment source"))
			// drain so the producer can finish.
			go func() {
				for range jobs {
				}
			}()
			break
		}
		wg.Add(1)
		go func(wsrc bamsrc.Source) {
			defer wg.Done()
			if wsrc != src {
				defer wsrc.Close()
			}
			for i := range jobs {
				if failed() {
					continue
				}
				if err := fn(wsrc, i, refs[i]); err != nil {
					fail(err)
				}
			}
		}(wsrc)
	}
	wg.Wait()
	return firstErr
}
