package backend_test

import (
	"github.com/arya-analytics/hadb/internal/backend"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func names(tables []backend.Table) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}

var _ = Describe("Ordered", func() {
	It("Should place referenced tables before the tables that reference them", func() {
		tables := []backend.Table{
			{Name: "entries", References: []string{"accounts", "ledgers"}},
			{Name: "accounts", References: []string{"customers"}},
			{Name: "ledgers"},
			{Name: "customers"},
		}
		Expect(names(backend.Ordered(tables))).To(Equal([]string{"customers", "accounts", "ledgers", "entries"}))
	})

	It("Should order unrelated tables by name", func() {
		tables := []backend.Table{{Name: "b"}, {Name: "c"}, {Name: "a"}}
		Expect(names(backend.Ordered(tables))).To(Equal([]string{"a", "b", "c"}))
	})

	It("Should ignore references to tables outside the set", func() {
		tables := []backend.Table{{Name: "entries", References: []string{"archive"}}}
		Expect(names(backend.Ordered(tables))).To(Equal([]string{"entries"}))
	})

	It("Should keep every table of a reference cycle", func() {
		tables := []backend.Table{
			{Name: "a", References: []string{"b"}},
			{Name: "b", References: []string{"a"}},
			{Name: "self", References: []string{"self"}},
		}
		Expect(backend.Ordered(tables)).To(HaveLen(3))
		Expect(names(backend.Ordered(tables))).To(Equal([]string{"b", "a", "self"}))
	})
})
