// Package benchmark provides a harness for measuring codec throughput.
package benchmark

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/MeKo-Tech/charm/internal/common"
)

// Benchmark represents a named benchmark function.
type Benchmark struct {
	Name string
	Func func() error
}

// Result holds the result of a benchmark run.
type Result struct {
	Name         string
	Duration     time.Duration
	MemoryBefore common.MemoryStats
	MemoryAfter  common.MemoryStats
	Iterations   int
	Error        error
}

// String returns a formatted string representation of the benchmark result.
func (r Result) String() string {
	if r.Error != nil {
		return fmt.Sprintf("%s: ERROR - %v", r.Name, r.Error)
	}

	memDiff := int64(r.MemoryAfter.AllocBytes) - int64(r.MemoryBefore.AllocBytes) //nolint:gosec // G115: Safe conversion for memory display
	avgDuration := r.Duration / time.Duration(r.Iterations)

	return fmt.Sprintf("%s: %d iterations, avg: %v, total: %v, mem: %+d KB",
		r.Name, r.Iterations, avgDuration, r.Duration, memDiff/1024)
}

// Suite manages multiple benchmarks.
type Suite struct {
	benchmarks []Benchmark
	results    []Result
	mu         sync.Mutex
}

// NewSuite creates a new benchmark suite.
func NewSuite() *Suite {
	return &Suite{
		benchmarks: make([]Benchmark, 0),
		results:    make([]Result, 0),
	}
}

// Add adds a benchmark to the suite.
func (s *Suite) Add(name string, fn func() error) {
	s.benchmarks = append(s.benchmarks, Benchmark{
		Name: name,
		Func: fn,
	})
}

// Run runs a single benchmark with the specified number of iterations.
func (s *Suite) Run(name string, iterations int) Result {
	var benchmark Benchmark
	found := false
	for _, b := range s.benchmarks {
		if b.Name == name {
			benchmark = b
			found = true
			break
		}
	}

	if !found {
		return Result{
			Name:  name,
			Error: fmt.Errorf("benchmark '%s' not found", name),
		}
	}

	return s.runBenchmark(benchmark, iterations)
}

// RunAll runs all benchmarks in the suite.
func (s *Suite) RunAll(iterations int) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = make([]Result, 0, len(s.benchmarks))

	for _, benchmark := range s.benchmarks {
		result := s.runBenchmark(benchmark, iterations)
		s.results = append(s.results, result)
	}

	return s.results
}

// runBenchmark executes a single benchmark.
func (s *Suite) runBenchmark(benchmark Benchmark, iterations int) Result {
	// Force garbage collection before measuring
	runtime.GC()
	memBefore := common.GetMemoryStats()

	timer := common.NewNamedTimer(benchmark.Name)
	var err error

	for i := 0; i < iterations; i++ {
		if e := benchmark.Func(); e != nil {
			err = e
			break
		}
	}

	duration := timer.Stop()
	memAfter := common.GetMemoryStats()

	return Result{
		Name:         benchmark.Name,
		Duration:     duration,
		MemoryBefore: memBefore,
		MemoryAfter:  memAfter,
		Iterations:   iterations,
		Error:        err,
	}
}

// Results returns the last run results.
func (s *Suite) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results
}

// PrintResults prints formatted benchmark results.
func (s *Suite) PrintResults() {
	results := s.Results()
	fmt.Println("\nBenchmark Results:")
	fmt.Println("==================")
	for _, result := range results {
		fmt.Println(result.String())
	}
	fmt.Println()
}
