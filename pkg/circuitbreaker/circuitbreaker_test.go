package circuitbreaker_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/jordigilh/kubernaut/pkg/circuitbreaker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCircuitBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Circuit Breaker Suite")
}

var _ = Describe("Circuit Breaker", func() {
	It("should start Closed", func() {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Name: "test", FailureThreshold: 3, SuccessThreshold: 2, Timeout: 50 * time.Millisecond,
		})
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		Expect(cb.Name()).To(Equal("test"))
	})

	It("should open after exactly failure_threshold consecutive failures, not sooner", func() {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Name: "test", FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute,
		})

		_ = cb.Call(func() error { return fmt.Errorf("boom") })
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		_ = cb.Call(func() error { return fmt.Errorf("boom") })
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		_ = cb.Call(func() error { return fmt.Errorf("boom") })
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
	})

	It("should reject calls outright once Open, without running fn", func() {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Name: "test", FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute,
		})
		_ = cb.Call(func() error { return fmt.Errorf("boom") })
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

		ran := false
		err := cb.Call(func() error { ran = true; return nil })
		Expect(err).To(Equal(circuitbreaker.ErrOpen))
		Expect(ran).To(BeFalse())
	})

	It("should allow a probe in HalfOpen after the timeout elapses", func() {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Name: "test", FailureThreshold: 1, SuccessThreshold: 1, Timeout: 10 * time.Millisecond,
		})
		_ = cb.Call(func() error { return fmt.Errorf("boom") })
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))

		time.Sleep(20 * time.Millisecond)

		err := cb.Call(func() error { return nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
	})

	It("should reopen on a single HalfOpen failure", func() {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Name: "test", FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Millisecond,
		})
		_ = cb.Call(func() error { return fmt.Errorf("boom") })
		time.Sleep(20 * time.Millisecond)

		err := cb.Call(func() error { return fmt.Errorf("still broken") })
		Expect(err).To(HaveOccurred())
		Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
	})

	It("should count trips", func() {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Name: "test", FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Millisecond,
		})
		_ = cb.Call(func() error { return fmt.Errorf("boom") })
		Expect(cb.Trips()).To(Equal(uint64(1)))
	})

	It("should propagate values through CallValue", func() {
		cb := circuitbreaker.New(circuitbreaker.Config{
			Name: "test", FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute,
		})
		v, err := circuitbreaker.CallValue(cb, func() (int, error) { return 42, nil })
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(42))
	})
})
