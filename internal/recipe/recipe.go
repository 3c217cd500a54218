// Package recipe 唯讀的配方目錄
//
// 配方描述要執行的查詢、處理腳本與輸出的 EAS schema，由 YAML 檔載入。
package recipe

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/c-atts/catts-app/pkg/types"
)

var (
	ErrRecipeNotFound = errors.New("recipe not found")
	ErrInvalidRecipe  = errors.New("invalid recipe")
	ErrDuplicate      = errors.New("duplicate recipe id")
)

// Query 一個 GraphQL 查詢
type Query struct {
	Endpoint  string `yaml:"endpoint"`  // 查詢服務 URL
	Query     string `yaml:"query"`     // GraphQL 文件
	Variables string `yaml:"variables"` // JSON 物件，可含 {user_eth_address} 等佔位符
}

// Recipe 配方
type Recipe struct {
	ID          types.RecipeID
	Name        string
	DisplayName string
	Description string
	Creator     common.Address
	Version     string
	Queries     []Query
	Processor   string // JavaScript 函式本體，回傳 JSON 字串
	Schema      string // EAS schema，例如 "uint256 score,bool verified"
	Resolver    common.Address
	Revokable   bool
	Gas         *big.Int
}

// DeriveID 配方 ID = blake2b-96(creator ‖ name ‖ version)
func DeriveID(creator common.Address, name, version string) types.RecipeID {
	h, _ := blake2b.New(12, nil)
	h.Write(creator.Bytes())
	h.Write([]byte(name))
	h.Write([]byte(version))
	var id types.RecipeID
	copy(id[:], h.Sum(nil))
	return id
}

// Store 配方查詢介面
type Store interface {
	Get(id types.RecipeID) (*Recipe, error)
}

// Catalogue 記憶體中的唯讀配方目錄
type Catalogue struct {
	recipes map[types.RecipeID]*Recipe
}

// NewCatalogue 建立目錄；ID 重複時回傳 ErrDuplicate
func NewCatalogue(recipes ...*Recipe) (*Catalogue, error) {
	c := &Catalogue{recipes: make(map[types.RecipeID]*Recipe, len(recipes))}
	for _, r := range recipes {
		if _, ok := c.recipes[r.ID]; ok {
			return nil, fmt.Errorf("%w: %s (%s)", ErrDuplicate, r.ID, r.Name)
		}
		c.recipes[r.ID] = r
	}
	return c, nil
}

// Get 依 ID 查詢
func (c *Catalogue) Get(id types.RecipeID) (*Recipe, error) {
	r, ok := c.recipes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecipeNotFound, id)
	}
	return r, nil
}

// List 依名稱排序
func (c *Catalogue) List() []*Recipe {
	out := make([]*Recipe, 0, len(c.recipes))
	for _, r := range c.recipes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ============================================================================
// YAML 載入
// ============================================================================

type fileEntry struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	DisplayName string  `yaml:"display_name"`
	Description string  `yaml:"description"`
	Creator     string  `yaml:"creator"`
	Version     string  `yaml:"version"`
	Queries     []Query `yaml:"queries"`
	Processor   string  `yaml:"processor"`
	Schema      string  `yaml:"schema"`
	Resolver    string  `yaml:"resolver"`
	Revokable   bool    `yaml:"revokable"`
	Gas         string  `yaml:"gas"`
}

type file struct {
	Recipes []fileEntry `yaml:"recipes"`
}

// LoadFile 從 YAML 檔載入配方目錄
func LoadFile(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipes file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配方目錄
func Parse(data []byte) (*Catalogue, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse recipes: %w", err)
	}
	recipes := make([]*Recipe, 0, len(f.Recipes))
	for i, e := range f.Recipes {
		r, err := e.toRecipe()
		if err != nil {
			return nil, fmt.Errorf("recipe #%d (%s): %w", i, e.Name, err)
		}
		recipes = append(recipes, r)
	}
	return NewCatalogue(recipes...)
}

func (e fileEntry) toRecipe() (*Recipe, error) {
	if e.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidRecipe)
	}
	if e.Schema == "" {
		return nil, fmt.Errorf("%w: schema is required", ErrInvalidRecipe)
	}
	if e.Processor == "" {
		return nil, fmt.Errorf("%w: processor is required", ErrInvalidRecipe)
	}
	for _, q := range e.Queries {
		if q.Endpoint == "" || q.Query == "" {
			return nil, fmt.Errorf("%w: query endpoint and query are required", ErrInvalidRecipe)
		}
	}

	r := &Recipe{
		Name:        e.Name,
		DisplayName: e.DisplayName,
		Description: e.Description,
		Version:     e.Version,
		Queries:     e.Queries,
		Processor:   e.Processor,
		Schema:      e.Schema,
		Revokable:   e.Revokable,
	}
	if e.Creator != "" {
		if !common.IsHexAddress(e.Creator) {
			return nil, fmt.Errorf("%w: creator %q", ErrInvalidRecipe, e.Creator)
		}
		r.Creator = common.HexToAddress(e.Creator)
	}
	if e.Resolver != "" {
		if !common.IsHexAddress(e.Resolver) {
			return nil, fmt.Errorf("%w: resolver %q", ErrInvalidRecipe, e.Resolver)
		}
		r.Resolver = common.HexToAddress(e.Resolver)
	}
	if e.Gas == "" {
		return nil, fmt.Errorf("%w: gas is required", ErrInvalidRecipe)
	}
	gas, ok := new(big.Int).SetString(e.Gas, 0)
	if !ok || gas.Sign() <= 0 {
		return nil, fmt.Errorf("%w: gas %q must be a positive integer", ErrInvalidRecipe, e.Gas)
	}
	r.Gas = gas

	if e.ID != "" {
		id, err := types.ParseRecipeID(e.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecipe, err)
		}
		r.ID = id
	} else {
		r.ID = DeriveID(r.Creator, r.Name, r.Version)
	}
	return r, nil
}
