package task

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hitoshi/tasksync/internal/model"
)

// shoppingPrefixes は買い物リストとして扱うタスク本文の接頭辞。
var shoppingPrefixes = []string{"купить ", "buy "}

// itemSeparator は買い物リストの品目の区切り。
var itemSeparator = regexp.MustCompile(`,|\sи\s|\sа также\s|\sand\s|\s+`)

// Product は商品カタログの1件。
type Product struct {
	ProductID     string `json:"product_id,omitempty"`
	ShortName     string `json:"short_name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description,omitempty"`
	URL           string `json:"url"`
	Price         string `json:"price"`
	PriceWithCard string `json:"price_with_card"`
	ImageURL      string `json:"image_url"`
}

// Catalog は短縮名（小文字）で商品を引く商品カタログ。
type Catalog struct {
	products map[string]Product
}

// NewCatalog は商品一覧からCatalogを生成する。同じ短縮名は最初の1件を使う。
func NewCatalog(products []Product) *Catalog {
	c := &Catalog{products: make(map[string]Product, len(products))}
	for _, p := range products {
		key := strings.ToLower(strings.TrimSpace(p.ShortName))
		if key == "" {
			continue
		}
		if _, ok := c.products[key]; !ok {
			c.products[key] = p
		}
	}
	return c
}

// LoadCatalog は {"results": [...]} 形式のJSONファイルから商品カタログを読み込む。
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var doc struct {
		Results []Product `json:"results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return NewCatalog(doc.Results), nil
}

// Lookup は短縮名で商品を探す。大文字小文字は区別しない。
func (c *Catalog) Lookup(shortName string) (Product, bool) {
	if c == nil {
		return Product{}, false
	}
	p, ok := c.products[strings.ToLower(shortName)]
	return p, ok
}

// Len はカタログの商品数を返す。
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.products)
}

// ExtractShoppingList は「купить молоко, хлеб и сыр」のような本文から買い物リストを作る。
// カタログにない品目は短縮名だけの商品になる。買い物リストでない本文にはnilを返す。
func ExtractShoppingList(text string, catalog *Catalog) []model.ShoppingItem {
	lower := strings.ToLower(strings.TrimSpace(text))

	var rest string
	for _, prefix := range shoppingPrefixes {
		if strings.HasPrefix(lower, prefix) {
			rest = strings.TrimSpace(lower[len(prefix):])
			break
		}
	}
	if rest == "" {
		return nil
	}

	var items []model.ShoppingItem
	seen := make(map[string]bool)
	for _, name := range itemSeparator.Split(rest, -1) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		item := model.ShoppingItem{ShortName: capitalize(name)}
		if p, ok := catalog.Lookup(name); ok {
			item = model.ShoppingItem{
				Name:            p.FullName,
				ImageURL:        p.ImageURL,
				Price:           p.Price,
				DiscountedPrice: p.PriceWithCard,
				ShortName:       p.ShortName,
				PurchaseURL:     p.URL,
			}
		}

		if seen[item.Key()] {
			continue
		}
		seen[item.Key()] = true
		items = append(items, item)
	}
	return items
}

// capitalize は先頭の1文字を大文字にし、残りを小文字にする。
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
