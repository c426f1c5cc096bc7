// Package catalog 维护可购买商品表：SKU 到商品定义的映射，
// 以及崩溃恢复时能否安全重放发放的标记。
package catalog

import (
	"github.com/lk2023060901/auth-garden-go/internal/config"
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// Product 一个可购买商品。
type Product struct {
	SKU    string
	Name   string
	Points int32

	// Recoverable 为 true 时，崩溃恢复可以按订单行重放本商品的发放；
	// 为 false 的商品在恢复路径中记录日志后跳过。
	Recoverable bool
}

// Catalog 只读商品表。构造后不再修改，可被任意 goroutine 并发查询。
type Catalog struct {
	products map[string]Product
}

// New 从商品列表构造目录。后写的同名 SKU 覆盖先写的。
func New(products ...Product) *Catalog {
	table := make(map[string]Product, len(products))
	for _, p := range products {
		table[p.SKU] = p
	}
	return &Catalog{products: table}
}

// FromConfig 从配置项构造目录。
func FromConfig(products []config.ProductConfig) *Catalog {
	table := make([]Product, 0, len(products))
	for _, p := range products {
		table = append(table, Product{
			SKU:         p.SKU,
			Name:        p.Name,
			Points:      p.Points,
			Recoverable: p.Recoverable,
		})
	}
	return New(table...)
}

// Lookup 按 SKU 查商品，未知 SKU 返回错误。
func (c *Catalog) Lookup(sku string) (Product, error) {
	p, ok := c.products[sku]
	if !ok {
		return Product{}, merr.WrapErrTxnUnknownProduct(sku)
	}
	return p, nil
}

// Contains 报告 SKU 是否存在。
func (c *Catalog) Contains(sku string) bool {
	_, ok := c.products[sku]
	return ok
}

// Len 返回商品数。
func (c *Catalog) Len() int {
	return len(c.products)
}
