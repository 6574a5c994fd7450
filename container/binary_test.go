package container_test

import (
	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcelgarus/soil/container"
)

var _ = Describe("Parse", func() {
	It("rejects a binary with a bad magic", func() {
		_, err := container.Parse([]byte("nope"))
		Expect(err).To(HaveOccurred())
	})

	It("rejects a truncated container", func() {
		_, err := container.Parse([]byte("soi"))
		Expect(err).To(HaveOccurred())
	})

	It("parses an empty container", func() {
		b, err := container.Parse([]byte("soil"))
		Expect(err).NotTo(HaveOccurred())
		Expect(b.ByteCode).To(BeEmpty())
		Expect(b.Memory).To(BeEmpty())
		Expect(b.Labels).To(BeEmpty())
	})

	It("parses a code section", func() {
		raw := append([]byte("soil"), 0x00)
		raw = append(raw, le64(3)...)
		raw = append(raw, 0xd2, 0x02, 0x2a)
		b, err := container.Parse(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.ByteCode).To(Equal([]byte{0xd2, 0x02, 0x2a}))
	})

	It("skips unrecognized sections", func() {
		raw := append([]byte("soil"), 0x07)
		raw = append(raw, le64(2)...)
		raw = append(raw, 0xff, 0xff)
		raw = append(raw, 0x00)
		raw = append(raw, le64(1)...)
		raw = append(raw, 0x90)
		b, err := container.Parse(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.ByteCode).To(Equal([]byte{0x90}))
	})

	It("parses labels in file order", func() {
		raw := append([]byte("soil"), 0x03)
		labelPayload := le64(2) // num_labels
		labelPayload = append(labelPayload, le64(0)...)
		labelPayload = append(labelPayload, le64(5)...)
		labelPayload = append(labelPayload, []byte("main1")...)
		labelPayload = append(labelPayload, le64(10)...)
		labelPayload = append(labelPayload, le64(4)...)
		labelPayload = append(labelPayload, []byte("loop")...)
		raw = append(raw, le64(uint64(len(labelPayload)))...)
		raw = append(raw, labelPayload...)

		b, err := container.Parse(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Labels).To(Equal([]container.Label{
			{Offset: 0, Name: "main1"},
			{Offset: 10, Name: "loop"},
		}))
	})

	It("round-trips through Write", func() {
		original := &container.Binary{
			ByteCode: []byte{0xd2, 0x02, 0x2a, 0xf4, 0x00},
			Memory:   []byte{1, 2, 3, 4},
			Labels:   []container.Label{{Offset: 0, Name: "entry"}},
		}
		reparsed, err := container.Parse(original.Write())
		Expect(err).NotTo(HaveOccurred())
		Expect(cmp.Diff(original, reparsed)).To(BeEmpty())
	})
})

func le64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}
