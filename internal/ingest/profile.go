package ingest

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"resume-matcher/internal/textnorm"
	"resume-matcher/internal/types"
)

// Section 简历中可识别的段落
type Section string

const (
	SectionSummary        Section = "summary"
	SectionExperience     Section = "experience"
	SectionEducation      Section = "education"
	SectionSkills         Section = "skills"
	SectionCertifications Section = "certifications"
	SectionProjects       Section = "projects"
)

const (
	maxSummaryRunes   = 500
	maxHeaderRunes    = 50
	maxNameRunes      = 40
	nameSearchLines   = 5
	denseSummaryWords = 10
)

// sectionKeywords 段落标题关键词，按匹配优先级排列
var sectionKeywords = []struct {
	section  Section
	keywords []string
}{
	{SectionExperience, []string{"experience", "employment", "work history", "career history", "professional background", "工作经历", "工作经验", "实习经历"}},
	{SectionEducation, []string{"education", "academic background", "academic qualifications", "academic history", "degrees", "教育背景", "教育经历"}},
	{SectionSkills, []string{"skills", "core competencies", "competencies", "expertise", "proficiencies", "technologies", "skill set", "专业技能", "技能"}},
	{SectionCertifications, []string{"certifications", "certificates", "licenses", "credentials", "证书", "资格认证"}},
	{SectionProjects, []string{"projects", "project", "项目经历", "项目经验"}},
	{SectionSummary, []string{"summary", "objective", "profile", "about", "个人简介", "自我评价", "个人总结"}},
}

var titleIndicators = []string{
	"manager", "director", "engineer", "developer", "analyst", "specialist",
	"coordinator", "supervisor", "lead", "senior", "junior", "associate",
	"consultant", "architect", "administrator", "officer", "executive",
	"designer", "researcher", "scientist", "technician", "representative",
	"工程师", "经理", "总监", "架构师", "设计师", "分析师", "主管", "专家",
}

var (
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phonePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\+\d{1,3}[-.\s]?\d{1,4}[-.\s]?\d{3,4}[-.\s]?\d{3,4}`),
		regexp.MustCompile(`\b1[3-9]\d{9}\b`),
		regexp.MustCompile(`\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
	}
	linkedInPattern = regexp.MustCompile(`(?i)linkedin\.com/(?:in|pub)/[A-Za-z0-9_-]+`)
	gitHubPattern   = regexp.MustCompile(`(?i)github\.com/[A-Za-z0-9_-]+`)
	websitePattern  = regexp.MustCompile(`https?://[^\s,;)]+`)
)

// Profile 从简历文本中尽力提取的展示信息
type Profile struct {
	CandidateName string
	CurrentTitle  string
	Summary       string
	Contact       types.Contact
	Sections      map[Section]int // 段落标题所在行号
}

// ExtractContact 用正则提取联系方式，未找到的字段为空
func ExtractContact(text string) types.Contact {
	var c types.Contact
	c.Email = emailPattern.FindString(text)
	for _, p := range phonePatterns {
		if m := p.FindString(text); m != "" {
			c.Phone = strings.TrimSpace(m)
			break
		}
	}
	c.LinkedIn = linkedInPattern.FindString(text)
	c.GitHub = gitHubPattern.FindString(text)
	for _, site := range websitePattern.FindAllString(text, -1) {
		lower := strings.ToLower(site)
		if strings.Contains(lower, "linkedin") || strings.Contains(lower, "github") {
			continue
		}
		c.Website = site
		break
	}
	return c
}

// ExtractProfile 提取联系方式、段落位置、简介、当前职位和姓名。
// 纯启发式，任何字段提取不到都只是留空。
func ExtractProfile(text string) Profile {
	lines := splitLines(text)
	sections := findSections(lines)
	return Profile{
		CandidateName: extractName(lines, sections),
		CurrentTitle:  extractTitle(lines, sections),
		Summary:       extractSummary(lines, sections),
		Contact:       ExtractContact(text),
		Sections:      sections,
	}
}

// Apply 把提取结果写入简历
func (p Profile) Apply(r *types.Resume) {
	r.CandidateName = p.CandidateName
	r.CurrentTitle = p.CurrentTitle
	r.Summary = p.Summary
	r.Contact = p.Contact
}

func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, len(raw))
	for i, l := range raw {
		lines[i] = textnorm.Clean(l)
	}
	return lines
}

// sectionOf 判断一行是否为段落标题
func sectionOf(line string) (Section, bool) {
	if line == "" || utf8.RuneCountInString(line) > maxHeaderRunes {
		return "", false
	}
	lower := strings.ToLower(strings.TrimRight(line, ":："))
	// 以句号结尾的长句不当作标题
	if strings.HasSuffix(lower, ".") && len(strings.Fields(lower)) > 4 {
		return "", false
	}
	for _, sk := range sectionKeywords {
		for _, kw := range sk.keywords {
			if strings.Contains(lower, kw) {
				return sk.section, true
			}
		}
	}
	return "", false
}

func findSections(lines []string) map[Section]int {
	found := make(map[Section]int)
	for i, line := range lines {
		sec, ok := sectionOf(line)
		if !ok {
			continue
		}
		if _, seen := found[sec]; !seen {
			found[sec] = i
		}
	}
	return found
}

// sectionEnd 下一个段落标题的行号
func sectionEnd(lines []string, start int) int {
	for i := start; i < len(lines); i++ {
		if _, ok := sectionOf(lines[i]); ok {
			return i
		}
	}
	return len(lines)
}

func extractSummary(lines []string, sections map[Section]int) string {
	start := -1
	if idx, ok := sections[SectionSummary]; ok {
		start = idx + 1
	} else {
		// 没有简介标题时，取开头几行里第一段较长的文字
		for i := 0; i < len(lines) && i < 10; i++ {
			if _, ok := sectionOf(lines[i]); ok {
				break
			}
			if len(strings.Fields(lines[i])) > denseSummaryWords {
				start = i
				break
			}
		}
	}
	if start < 0 {
		return ""
	}

	end := sectionEnd(lines, start)
	var parts []string
	for i := start; i < end; i++ {
		if lines[i] == "" {
			if len(parts) > 0 {
				break
			}
			continue
		}
		parts = append(parts, lines[i])
	}
	return truncateRunes(strings.Join(parts, " "), maxSummaryRunes)
}

func extractTitle(lines []string, sections map[Section]int) string {
	idx, ok := sections[SectionExperience]
	if !ok {
		return ""
	}
	end := sectionEnd(lines, idx+1)
	for i := idx + 1; i < end; i++ {
		if lines[i] == "" {
			continue
		}
		if looksLikeTitle(lines[i]) {
			return lines[i]
		}
	}
	return ""
}

func looksLikeTitle(line string) bool {
	if utf8.RuneCountInString(line) > 80 {
		return false
	}
	lower := strings.ToLower(line)
	for _, ind := range titleIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func extractName(lines []string, sections map[Section]int) string {
	limit := nameSearchLines
	for _, idx := range sections {
		if idx < limit {
			limit = idx
		}
	}
	for i := 0; i < len(lines) && i < limit; i++ {
		line := lines[i]
		if line == "" || utf8.RuneCountInString(line) > maxNameRunes {
			continue
		}
		if hasContactData(line) || looksLikeTitle(line) {
			continue
		}
		if strings.ContainsAny(line, "0123456789@/|:：") {
			continue
		}
		if len(strings.Fields(line)) > 4 {
			continue
		}
		return line
	}
	return ""
}

func hasContactData(line string) bool {
	c := ExtractContact(line)
	return c != (types.Contact{})
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
