package taxonomy

import (
	"fmt"
	"strings"

	"resume-matcher/internal/types"
)

const systemMessage = "你是一名资深的招聘需求分析师，负责从岗位描述中抽取用于简历匹配的关键词。你只输出JSON。"

// categoryGuides 各类别的抽取说明，顺序与 types.AllCategories 一致
var categoryGuides = map[types.Category]string{
	types.CategoryHardSkills:                 "可量化的专业技能：编程语言、分析方法、工程技术。例如 Python, Statistical Analysis, Machine Learning",
	types.CategoryToolsAndPlatforms:          "具体的软件、硬件与平台：开发环境、云服务、协作工具。例如 AWS, Git, Docker, Jira",
	types.CategoryMethodologiesAndFrameworks: "有名称的方法论与规范：开发流程、质量标准、合规框架。例如 Agile, Scrum, DevOps, ISO 27001",
	types.CategoryDomainKnowledge:            "行业或业务领域知识，仅在岗位描述中明确出现时抽取。例如 Healthcare, FinTech, Supply Chain",
	types.CategoryQualifications:             "学历、证书与执照，必须是具体名称。例如 Bachelor of Science, PMP, CPA, AWS Solutions Architect",
	types.CategoryExperienceIndicators:       "年限与资历要求，保留数字和上下文。例如 5+ years, senior, team lead",
}

// defaultPromptTemplate 用户消息模板，%s 依次为类别说明、JSON格式示例、岗位描述
const defaultPromptTemplate = `CRITICAL: 只返回 ONLY valid JSON，不要解释，不要附加文字，不要使用markdown格式。

=== 任务 ===
从下面的【岗位描述】中抽取用于简历匹配的全部关键词，并按类别和重要程度归类。

=== 允许的类别 (只能使用这些类别名) ===
%s

=== 输出格式 ===
%s

=== 必需/优先划分 ===
1. 岗位描述若有明确的分区 (Requirements / Nice to have、任职要求 / 加分项)，按关键词所在分区划分。
2. 靠近 "required" "must" "essential" "必须" "要求" 等词的关键词归入 required_keywords。
3. 靠近 "preferred" "nice to have" "bonus" "plus" "优先" "加分" 等词的关键词归入 preferred_keywords。
4. DEFAULT RULE: 上下文不明确时，归入 REQUIRED。
5. 同一个关键词只能出现在一个分区中。

=== 抽取要求 ===
- 每个数组元素是一个独立的原子关键词，复合短语需拆分，例如 "Python and SQL development" → ["Python", "SQL"]
- 尽量使用岗位描述中的原词，可同时保留全称与常见缩写
- 不要抽取部门名、公司名等仅作为背景的专有名词
- 不要编造岗位描述中没有出现的关键词
- 某个类别没有关键词时返回空数组

【岗位描述】
%s`

// categoryList 生成类别说明
func categoryList() string {
	var sb strings.Builder
	for i, c := range types.AllCategories {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, c, categoryGuides[c])
	}
	return strings.TrimRight(sb.String(), "\n")
}

// schemaExample 生成JSON格式示例
func schemaExample() string {
	var sb strings.Builder
	sb.WriteString("{\n")
	for pi, partition := range []string{"required_keywords", "preferred_keywords"} {
		fmt.Fprintf(&sb, "  %q: {\n", partition)
		for ci, c := range types.AllCategories {
			sep := ","
			if ci == len(types.AllCategories)-1 {
				sep = ""
			}
			fmt.Fprintf(&sb, "    %q: []%s\n", string(c), sep)
		}
		if pi == 0 {
			sb.WriteString("  },\n")
		} else {
			sb.WriteString("  }\n")
		}
	}
	sb.WriteString("}")
	return sb.String()
}

// buildPrompt 填充模板；自定义模板只需包含一个 %s 占位符 (岗位描述)
func buildPrompt(template, jd string) string {
	if template == "" || template == defaultPromptTemplate {
		return fmt.Sprintf(defaultPromptTemplate, categoryList(), schemaExample(), jd)
	}
	if strings.Count(template, "%s") == 1 {
		return fmt.Sprintf(template, jd)
	}
	return template + "\n\n" + jd
}
