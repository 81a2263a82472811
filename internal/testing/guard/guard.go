package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("KPI_TEST_MODE") == "" {
			_ = os.Setenv("KPI_TEST_MODE", "1")
		}
	})
}
