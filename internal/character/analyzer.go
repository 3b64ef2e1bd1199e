// Package character builds the character-relationship reference text that
// augments the prompt. It cross-verifies the image's character tags against
// per-character statistics, arranges the survivors into a forest using the
// tag graph, and renders a localized indented block.
package character

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"dancap/internal/logging"
	"dancap/internal/store"
)

// attributeFrequencyThreshold admits globally common attributes that are not
// on the image's own tag list.
const attributeFrequencyThreshold = 0.5

// TagGraph answers root/children queries over the tag graph.
type TagGraph interface {
	IsRoot(ctx context.Context, name string) (bool, error)
	Children(ctx context.Context, name string) ([]string, error)
}

// StatsReader reads per-character statistics and global tag frequencies.
type StatsReader interface {
	CharacterStats(ctx context.Context, name string) ([]string, map[string]float64, error)
	GlobalFrequency(ctx context.Context, name string) (float64, error)
}

// ImageReader reads image metadata records.
type ImageReader interface {
	Get(ctx context.Context, id int64) (*store.ImageRecord, error)
}

// Traits holds the verified attribute and series lists for one character.
type Traits struct {
	Attributes []string
	Series     []string
}

// Builder derives character trees. It holds no state beyond its readers.
type Builder struct {
	tags  TagGraph
	stats StatsReader
	pics  ImageReader
	log   *logging.Logger
}

// NewBuilder wires a tree builder over its three readers.
func NewBuilder(tags TagGraph, stats StatsReader, pics ImageReader) *Builder {
	return &Builder{
		tags:  tags,
		stats: stats,
		pics:  pics,
		log:   logging.Get(logging.CategoryCharacter),
	}
}

// TreeText returns the rendered reference block for an image, or "" when the
// image has no verifiable characters.
func (b *Builder) TreeText(ctx context.Context, id int64, language string) (string, error) {
	verified, err := b.CrossVerify(ctx, id)
	if err != nil {
		return "", err
	}
	if len(verified) == 0 {
		return "", nil
	}

	forest, err := b.Forest(ctx, verified)
	if err != nil {
		return "", err
	}

	return Render(forest, verified, language), nil
}

// CrossVerify checks each character tag on the image against its statistics.
// An attribute survives when it appears in the image's general tags or is
// globally frequent; a series survives when it appears in the image's
// copyright tags. Characters with no statistics are dropped.
func (b *Builder) CrossVerify(ctx context.Context, id int64) (map[string]*Traits, error) {
	rec, err := b.pics.Get(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load image %d: %w", id, err)
	}

	general := toSet(rec.General())
	copyrights := toSet(rec.Copyright())

	verified := make(map[string]*Traits)
	for _, char := range rec.Character() {
		attrs, series, err := b.stats.CharacterStats(ctx, char)
		if err != nil {
			return nil, fmt.Errorf("failed to load stats for %q: %w", char, err)
		}
		if attrs == nil && series == nil {
			b.log.Debug("id %d: no stats for character %s", id, char)
			continue
		}

		t := &Traits{}
		for _, attr := range attrs {
			if _, ok := general[attr]; ok {
				t.Attributes = append(t.Attributes, attr)
				continue
			}
			freq, err := b.stats.GlobalFrequency(ctx, attr)
			if err != nil {
				return nil, fmt.Errorf("failed to load frequency for %q: %w", attr, err)
			}
			if freq > attributeFrequencyThreshold {
				t.Attributes = append(t.Attributes, attr)
			}
		}
		for s := range series {
			if _, ok := copyrights[s]; ok {
				t.Series = append(t.Series, s)
			}
		}
		sort.Strings(t.Series)
		verified[char] = t
	}
	return verified, nil
}

// Forest arranges verified character names into root → children lists.
// A name is a root iff the tag graph says so; each root's children are the
// graph children present in the verified set; any name that appears as a
// child is pruned from the top level. One level deep only.
func (b *Builder) Forest(ctx context.Context, verified map[string]*Traits) (map[string][]string, error) {
	names := make([]string, 0, len(verified))
	for name := range verified {
		names = append(names, name)
	}
	sort.Strings(names)

	forest := make(map[string][]string)
	var roots []string
	for _, name := range names {
		isRoot, err := b.tags.IsRoot(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("root check failed for %q: %w", name, err)
		}
		if isRoot {
			roots = append(roots, name)
		}
	}

	present := toSet(names)
	var claimed []string
	for _, root := range roots {
		children, err := b.tags.Children(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("children lookup failed for %q: %w", root, err)
		}
		var kept []string
		for _, child := range children {
			if _, ok := present[child]; ok {
				kept = append(kept, child)
				claimed = append(claimed, child)
			}
		}
		forest[root] = kept
	}

	for _, child := range claimed {
		delete(forest, child)
	}
	return forest, nil
}

// Render produces the localized indented block: header, pre-order traversal
// with two-space child indentation, then the tip paragraph. Roots appear in
// ascending tag-name order.
func Render(forest map[string][]string, verified map[string]*Traits, language string) string {
	if len(forest) == 0 {
		return ""
	}

	roots := make([]string, 0, len(forest))
	for root := range forest {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	var lines []string
	if language == "zh" {
		lines = append(lines, "角色检索参考信息表：图片中很大概率会出现以下标签的角色，请根据参考信息进行角色判断，把判断在画面的角色自然的在描述中提到其名称，可以看情况选择合适的提到出自哪个系列，提到系列时如果角色标签中带有系列名的话请酌情去除角色中的系列名，如果是皮肤或是特殊形态在你确定的情况下也可以提到")
		lines = append(lines, "══════════════════")
	} else {
		lines = append(lines, "Character Search Reference Information Table: The following characters are likely to appear in the image, please identify them based on the reference information, and naturally mention the character's name in the description, you can choose the appropriate series to mention according to the situation, if the character's tag contains the series name, please remove the series name according to the situation")
		lines = append(lines, "═══════════════════════════")
	}

	for _, root := range roots {
		lines = append(lines, renderNode(root, 0, verified, language))
		for _, child := range forest[root] {
			lines = append(lines, renderNode(child, 1, verified, language))
		}
	}

	if language == "zh" {
		lines = append(lines, "\n提示：带缩进的角色通常是上级的形态/皮肤版本，应优先识别具体形态。若同时存在父级和子级角色，请同时在描述中指出。提供的信息中子级角色通常是父级角色的某个形态或是皮肤，能判断出子级角色的话就不要重复判断父级角色，除非两者都出现")
	} else {
		lines = append(lines, "\nTip: Indented roles are usually alternative forms/skins of parent characters. Prefer identifying specific forms, but include both if coexisting. A child entry is usually a particular form or skin of its parent; when the child is identifiable do not also report the parent, unless both appear.")
	}

	return "\n" + strings.Join(lines, "\n") + "\n"
}

func renderNode(name string, level int, verified map[string]*Traits, language string) string {
	indent := strings.Repeat("  ", level)

	none := "None"
	featuresLabel := "Features"
	seriesLabel := "Series"
	if language == "zh" {
		none = "无"
		featuresLabel = "角色特征"
		seriesLabel = "作品系列"
	}

	attrs := none
	series := none
	if t, ok := verified[name]; ok {
		if len(t.Attributes) > 0 {
			attrs = strings.Join(t.Attributes, ", ")
		}
		if len(t.Series) > 0 {
			series = strings.Join(t.Series, ", ")
		}
	}

	return fmt.Sprintf("%s• %s\n%s  │ %s: %s\n%s  └─ %s: %s",
		indent, name, indent, featuresLabel, attrs, indent, seriesLabel, series)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
