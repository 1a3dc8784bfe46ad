// Package knowledge 提供静态知识库检索，为大模型补充 Solana 代币相关背景。
package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Solana/internal/errors"
)

const defaultMaxResults = 3

// Provider 按目标文本与工具名检索知识片段。
type Provider interface {
	Query(goal, tool string) []Snippet
}

// Snippet 是一段可供大模型引用的知识。Tags 与工具名做大小写不敏感的精确匹配。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// entry 保存预先归一化的关键词与标签，查询时不再重复处理。
type entry struct {
	snippet  Snippet
	keywords []string
	tags     map[string]struct{}
}

// StaticProvider 在内存中检索一组固定的知识片段。
type StaticProvider struct {
	entries    []entry
	maxResults int
}

// NewStaticProvider 创建静态知识库，maxResults 非正时取 3。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	entries := make([]entry, 0, len(items))
	for _, item := range items {
		e := entry{snippet: item, tags: make(map[string]struct{}, len(item.Tags))}
		for _, kw := range item.Keywords {
			if kw = normalize(kw); kw != "" {
				e.keywords = append(e.keywords, kw)
			}
		}
		for _, tag := range item.Tags {
			if tag = normalize(tag); tag != "" {
				e.tags[tag] = struct{}{}
			}
		}
		entries = append(entries, e)
	}
	return &StaticProvider{entries: entries, maxResults: maxResults}
}

// LoadStaticProvider 从文件加载知识条目，.yaml/.yml 按 YAML 解析，其余按 JSON。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "知识库文件路径不能为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取知识库文件失败", xerrors.WithMetadata("path", path))
	}

	var items []Snippet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &items)
	default:
		err = json.Unmarshal(raw, &items)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析知识库文件失败", xerrors.WithMetadata("path", path))
	}
	return NewStaticProvider(items, maxResults), nil
}

// Query 返回得分最高的片段：每个命中的关键词计一分，工具标签命中计两分。
// 同分时保持文件中的顺序。
func (p *StaticProvider) Query(goal, tool string) []Snippet {
	if p == nil {
		return nil
	}
	goal, tool = normalize(goal), normalize(tool)

	type hit struct {
		idx, score int
	}
	var hits []hit
	for idx, e := range p.entries {
		if s := e.score(goal, tool); s > 0 {
			hits = append(hits, hit{idx, s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > p.maxResults {
		hits = hits[:p.maxResults]
	}

	results := make([]Snippet, len(hits))
	for i, h := range hits {
		results[i] = p.entries[h.idx].snippet
	}
	return results
}

func (e entry) score(goal, tool string) int {
	total := 0
	for _, kw := range e.keywords {
		if strings.Contains(goal, kw) {
			total++
		}
	}
	if _, ok := e.tags[tool]; ok && tool != "" {
		total += 2
	}
	return total
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
