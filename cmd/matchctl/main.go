// matchctl 在命令行上对一个目录下的简历文本做一次匹配，结果以JSON输出到标准输出。
// 简历池只保存在内存中，不依赖任何外部存储。
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"resume-matcher/internal/config"
	"resume-matcher/internal/embedding"
	"resume-matcher/internal/ingest"
	"resume-matcher/internal/llm"
	"resume-matcher/internal/logger"
	"resume-matcher/internal/matcher"
	"resume-matcher/internal/pool"
	"resume-matcher/internal/taxonomy"
	"resume-matcher/internal/types"
)

// SourceCLI 经命令行入库的简历来源
const SourceCLI = "cli"

var resumeExtensions = map[string]bool{".txt": true, ".md": true, ".text": true}

type options struct {
	configPath     string
	jdPath         string
	taxonomyPath   string
	resumesDir     string
	topK           int
	semanticTarget string
	reportOnly     bool
}

type output struct {
	RunID    string                 `json:"run_id,omitempty"`
	PoolSize int                    `json:"pool_size"`
	TopK     int                    `json:"top_k"`
	Taxonomy *types.KeywordTaxonomy `json:"taxonomy"`
	Results  []types.MatchResult    `json:"results,omitempty"`
}

func main() {
	var opts options
	pflag.StringVarP(&opts.configPath, "config", "c", "", "配置文件路径")
	pflag.StringVar(&opts.jdPath, "jd", "", "岗位描述文本文件")
	pflag.StringVar(&opts.taxonomyPath, "taxonomy", "", "已有的关键词分类JSON文件，提供时不调用大模型")
	pflag.StringVar(&opts.resumesDir, "resumes", "", "简历文本目录 (.txt/.md)")
	pflag.IntVarP(&opts.topK, "top-k", "k", 0, "返回前K个结果，0表示使用配置的默认值")
	pflag.StringVar(&opts.semanticTarget, "semantic-target", "", "语义目标: job_description 或 keywords")
	pflag.BoolVar(&opts.reportOnly, "taxonomy-only", false, "只输出关键词分类")
	pflag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "matchctl: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.jdPath == "" && opts.taxonomyPath == "" {
		return fmt.Errorf("--jd 与 --taxonomy 至少提供一个")
	}
	if !opts.reportOnly && opts.resumesDir == "" {
		return fmt.Errorf("缺少 --resumes")
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if opts.semanticTarget != "" {
		cfg.Matching.SemanticTarget = opts.semanticTarget
	}
	// 标准输出留给结果
	logger.InitWithWriter(logger.Config{
		Level:  cfg.Logger.Level,
		Format: "pretty",
	}, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var jd string
	if opts.jdPath != "" {
		raw, err := os.ReadFile(opts.jdPath)
		if err != nil {
			return fmt.Errorf("读取岗位描述失败: %w", err)
		}
		jd = string(raw)
	}

	tax, extractor, err := loadTaxonomy(ctx, cfg, opts.taxonomyPath, jd)
	if err != nil {
		return err
	}
	if opts.reportOnly {
		return emit(output{Taxonomy: tax})
	}

	aliyun, err := embedding.NewAliyunEmbedder(cfg.Aliyun.APIKey, cfg.Aliyun.Embedding)
	if err != nil {
		return fmt.Errorf("初始化Embedder失败: %w", err)
	}
	embedder := embedding.NewCachedEmbedder(aliyun, aliyun.Model(), cfg.EmbeddingCache.Capacity,
		config.GetDuration(cfg.EmbeddingCache.TTL, time.Hour))

	store := pool.NewMemoryStore()
	ingestor := ingest.NewIngestor(store, embedder, embedder.ModelVersion())
	if err := ingestDir(ctx, ingestor, opts.resumesDir); err != nil {
		return err
	}

	svc, err := matcher.NewService(extractor, store, embedder, matcher.ConfigFromApp(cfg.Matching))
	if err != nil {
		return err
	}
	out, err := svc.Run(ctx, matcher.MatchRequest{
		Taxonomy:       tax,
		JobDescription: jd,
		AllResumes:     true,
		TopK:           opts.topK,
	})
	if err != nil {
		return err
	}
	return emit(output{
		RunID:    out.RunID,
		PoolSize: out.PoolSize,
		TopK:     out.TopK,
		Taxonomy: tax,
		Results:  out.Results,
	})
}

// loadTaxonomy 优先读取给定的分类文件，否则调用大模型从JD抽取
func loadTaxonomy(ctx context.Context, cfg *config.Config, path, jd string) (*types.KeywordTaxonomy, matcher.TaxonomyExtractor, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("读取关键词分类失败: %w", err)
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, nil, fmt.Errorf("关键词分类不是合法JSON: %w", err)
		}
		tax, err := taxonomy.FromClient(obj)
		if err != nil {
			return nil, nil, err
		}
		return tax, nil, nil
	}

	chat, err := llm.NewChatModel(llm.ConfigFromApp(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("初始化大模型客户端失败: %w", err)
	}
	limited := llm.NewWithRateLimit(chat, cfg.Taxonomy.ModelName, cfg.ModelQPMLimits, cfg.Taxonomy.QPM, 0, 0)
	extractor := taxonomy.NewExtractor(limited, taxonomy.OptionsFromConfig(cfg.Taxonomy)...)
	tax, err := extractor.Extract(ctx, jd)
	if err != nil {
		return nil, nil, err
	}
	return tax, extractor, nil
}

// ingestDir 按文件名顺序入库目录下的简历文本，重复内容只入库一次
func ingestDir(ctx context.Context, ingestor *ingest.Ingestor, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("读取简历目录失败: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !resumeExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	log := logger.Component("matchctl")
	added := 0
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("读取简历 %s 失败: %w", name, err)
		}
		res, err := ingestor.Ingest(ctx, ingest.Document{ID: name, Text: string(raw), Source: SourceCLI})
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("跳过无法入库的简历")
			continue
		}
		if res.Duplicate {
			log.Info().Str("file", name).Str("fingerprint", res.Fingerprint).Msg("重复简历")
			continue
		}
		added++
	}
	log.Info().Int("files", len(names)).Int("added", added).Msg("简历入库完成")
	return nil
}

func emit(v output) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
