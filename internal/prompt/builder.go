// Package prompt assembles the captioning prompt from typed tag lists and a
// language selector. Build is a pure function: identical inputs yield
// byte-identical prompts.
package prompt

import (
	"fmt"
	"strings"

	"dancap/internal/logging"
)

// Normalize coerces a loosely-typed tag value into a string list.
// nil means empty; a scalar becomes a one-element list; lists pass through.
// The metadata ingestion jobs are not strict about field shapes, so this is
// applied at the boundary before Build.
func Normalize(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", t)}
	}
}

// Build assembles the prompt. Section order is fixed: base, artist,
// character (replaced wholesale by treeText when present), tags, notes.
// Unsupported languages fall back to English with a warning.
func Build(artists, characters, tags []string, language, treeText string) string {
	if language != "en" && language != "zh" {
		logging.PromptWarn("unsupported language %q, using en", language)
		language = "en"
	}

	var b strings.Builder
	b.WriteString(baseTemplate(language))
	if len(artists) > 0 {
		b.WriteString(artistSection(artists, language))
	}
	if treeText != "" {
		b.WriteString(treeText)
	} else if len(characters) > 0 {
		b.WriteString(characterSection(characters, language))
	}
	if len(tags) > 0 {
		b.WriteString(tagsSection(tags, language))
	}
	b.WriteString(notesSection(language))
	return b.String()
}

func baseTemplate(language string) string {
	if language == "zh" {
		return zhBaseTemplate
	}
	return enBaseTemplate
}

func artistSection(artists []string, language string) string {
	names := strings.Join(artists, ", ")
	if language == "zh" {
		return fmt.Sprintf("- 这幅作品的艺术家是%s。描述时请务必提及这一点。提及艺术家后，避免描述艺术风格。", names)
	}
	return fmt.Sprintf("- The artist of this work is %s. When describing, do not forget to mention this. After mentioning the artist, avoid describing the art style.", names)
}

func characterSection(characters []string, language string) string {
	names := strings.Join(characters, ", ")
	if language == "zh" {
		return fmt.Sprintf("- 这幅作品中的角色是%s。这可能是角色的名字，也可能是指角色的特定服装或状态。描述时自然地提及角色的名字，不要忘记这一点。模型一旦知道角色名字，就会了解角色的特征，因此可以简化对角色固有特征的描述或省略，前提是你确定场景中的角色是谁。", names)
	}
	return fmt.Sprintf("- The character in this artwork is %s. This could be the character's name, or it could refer to a specific outfit or state of the character. When describing, naturally mention the character's name and do not forget this. The model will know the character's features once the name is provided, so you can simplify the description of the character's inherent traits or omit them, provided you are certain which character is in the scene.", names)
}

func tagsSection(tags []string, language string) string {
	list := strings.Join(tags, ", ")
	if language == "zh" {
		return fmt.Sprintf("- 这幅图像的Danbooru标签是：%s。你可以将这些标签作为参考，但不要完全依赖它们，因为可能存在错误的标签。优先使用你自己的观察，并使用更合适的同义词进行描述。", list)
	}
	return fmt.Sprintf("- The Danbooru tags for this image are: %s. You can use these tags as a reference, but do not rely entirely on them, as there may be incorrect tags. Prioritize your own observations and use more appropriate synonyms for descriptions.", list)
}

func notesSection(language string) string {
	if language == "zh" {
		return zhNotesSection
	}
	return enNotesSection
}
