package taskmodel

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTaskModel(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Task Model Suite")
}

var _ = Describe("NewUUID", func() {
	It("should mint distinct, time-ordered identifiers", func() {
		a := NewUUID()
		b := NewUUID()

		Expect(a).NotTo(Equal(b))
		Expect(a.Version().String()).To(Equal("VERSION_7"))
	})
})

var _ = Describe("IdentityHash", func() {
	It("should be stable for identical input", func() {
		in := IdentityHashInput{
			Namespace: "payments",
			Name:      "charge_card",
			Version:   "1.0.0",
			Context:   map[string]interface{}{"amount": 100, "currency": "usd"},
		}

		h1, err := IdentityHash(in)
		Expect(err).NotTo(HaveOccurred())
		h2, err := IdentityHash(in)
		Expect(err).NotTo(HaveOccurred())

		Expect(h1).To(Equal(h2))
		Expect(h1).To(HaveLen(64)) // hex-encoded SHA-256
	})

	It("should be order-independent across map key ordering", func() {
		inA := IdentityHashInput{
			Namespace: "payments",
			Name:      "charge_card",
			Version:   "1.0.0",
			Context:   map[string]interface{}{"amount": 100, "currency": "usd"},
		}
		inB := IdentityHashInput{
			Namespace: "payments",
			Name:      "charge_card",
			Version:   "1.0.0",
			Context:   map[string]interface{}{"currency": "usd", "amount": 100},
		}

		hA, err := IdentityHash(inA)
		Expect(err).NotTo(HaveOccurred())
		hB, err := IdentityHash(inB)
		Expect(err).NotTo(HaveOccurred())

		Expect(hA).To(Equal(hB))
	})

	It("should differ when context differs", func() {
		base := IdentityHashInput{Namespace: "payments", Name: "charge_card", Version: "1.0.0",
			Context: map[string]interface{}{"amount": 100}}
		changed := base
		changed.Context = map[string]interface{}{"amount": 200}

		hBase, err := IdentityHash(base)
		Expect(err).NotTo(HaveOccurred())
		hChanged, err := IdentityHash(changed)
		Expect(err).NotTo(HaveOccurred())

		Expect(hBase).NotTo(Equal(hChanged))
	})

	It("should differ when the idempotency key differs", func() {
		base := IdentityHashInput{Namespace: "payments", Name: "charge_card", Version: "1.0.0",
			Context: map[string]interface{}{"amount": 100}}
		withKey := base
		withKey.IdempotencyKey = "req-123"

		hBase, err := IdentityHash(base)
		Expect(err).NotTo(HaveOccurred())
		hWithKey, err := IdentityHash(withKey)
		Expect(err).NotTo(HaveOccurred())

		Expect(hBase).NotTo(Equal(hWithKey))
	})
})
