package checkpoint_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/luxfi/express/pkg/checkpoint"
	"github.com/luxfi/express/pkg/core"
)

var _ = Describe("Guard", func() {
	var dataDir string

	BeforeEach(func() {
		var err error
		dataDir, err = os.MkdirTemp("", "express-guard-test")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if path, err := checkpoint.LockPath(dataDir); err == nil {
			os.Remove(path)
		}
		os.RemoveAll(dataDir)
	})

	It("should exclude a second holder until released", func() {
		first, err := checkpoint.Acquire(dataDir)
		Expect(err).NotTo(HaveOccurred())

		_, err = checkpoint.Acquire(dataDir)
		Expect(err).To(MatchError(core.ErrBusy))
		var busy core.BusyError
		Expect(err).To(BeAssignableToTypeOf(busy))
		Expect(err.(core.BusyError).PID).To(Equal(os.Getpid()))

		Expect(first.Release()).To(Succeed())

		second, err := checkpoint.Acquire(dataDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Release()).To(Succeed())
	})

	It("should be inspectable without taking the lock", func() {
		holder, err := checkpoint.Inspect(dataDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(holder).To(BeNil())

		guard, err := checkpoint.Acquire(dataDir)
		Expect(err).NotTo(HaveOccurred())
		defer guard.Release()

		holder, err = checkpoint.Inspect(dataDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(holder).NotTo(BeNil())
		Expect(holder.PID).To(Equal(os.Getpid()))
		Expect(holder.Dir).To(Equal(guard.Dir()))
	})

	It("should key the lock by canonical path", func() {
		guard, err := checkpoint.Acquire(dataDir)
		Expect(err).NotTo(HaveOccurred())
		defer guard.Release()

		link := filepath.Join(GinkgoT().TempDir(), "alias")
		Expect(os.Symlink(dataDir, link)).To(Succeed())
		canonical, err := checkpoint.CanonicalDir(link)
		Expect(err).NotTo(HaveOccurred())
		Expect(canonical).To(Equal(guard.Dir()))

		_, err = checkpoint.Acquire(link)
		Expect(err).To(MatchError(core.ErrBusy))
		Expect(checkpoint.Check(link)).To(MatchError(core.ErrBusy))
	})

	It("should treat a dead holder as stale", func() {
		path, err := checkpoint.LockPath(dataDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(os.WriteFile(path, []byte("2147483646"), 0o644)).To(Succeed())

		Expect(checkpoint.Check(dataDir)).To(Succeed())
		guard, err := checkpoint.Acquire(dataDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(guard.Release()).To(Succeed())
	})
})
