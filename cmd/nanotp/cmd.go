package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	nanotp "github.com/unixsysdev/nano-go-tp"
	"github.com/unixsysdev/nano-go-tp/internal/config"
	"github.com/unixsysdev/nano-go-tp/internal/layers"
	"github.com/unixsysdev/nano-go-tp/internal/nn"
	"github.com/unixsysdev/nano-go-tp/internal/parallel"
	"github.com/unixsysdev/nano-go-tp/internal/tensor"
	"github.com/unixsysdev/nano-go-tp/pkg/safetensors"
)

// layer is what the commands need from nn.Embedding and nn.PatchEmbedding.
type layer interface {
	Weight() *tensor.Tensor
	Mode() parallel.Mode
	Inner() any
}

type sharded interface {
	Layout() parallel.Layout
	Context() *parallel.Context
	Shards() []*tensor.Tensor
}

type rankParams interface {
	Layout() parallel.Layout
	RankParams(rank int) map[string]*tensor.Tensor
}

type patchParams interface {
	Bias() *tensor.Tensor
	ClsToken() *tensor.Tensor
	PosEmbed() *tensor.Tensor
}

var exportOrder = []string{"weight", "bias", "cls_token", "pos_embed"}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nanotp",
		Short: "Tensor parallel embedding layers on a simulated world",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "JSON config file, or a directory holding config.json")
	pf.String("mode", "", "Tensor parallel mode: None, 1d, 2d, 2.5d or 3d")
	pf.Int("size", 1, "Number of tensor parallel ranks")
	pf.Int("depth", 1, "Depth of a 2.5d grid")
	pf.Int("rank", 0, "Rank whose shards are reported")
	pf.Uint64("seed", 42, "Seed for weight initializers")
	pf.String("dtype", "", "Parameter element type: float32 or float64")
	pf.Bool("debug", false, "Log at debug level")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newEmbedCmd(),
		newPatchCmd(),
		newShardsCmd(),
		newExportCmd(),
		newModesCmd(),
		newEnvCmd(),
	)
	return rootCmd
}

func addEmbeddingFlags(cmd *cobra.Command) {
	cmd.Flags().Int("num", 16, "Number of embeddings")
	cmd.Flags().Int("dim", 8, "Embedding dimension")
	cmd.Flags().Int("padding-idx", 0, "Row kept at zero (unset disables padding)")
}

func addPatchFlags(cmd *cobra.Command) {
	cmd.Flags().Int("img", 8, "Image height and width")
	cmd.Flags().Int("patch", 4, "Patch height and width")
	cmd.Flags().Int("chans", 3, "Input channels")
	cmd.Flags().Int("embed", 16, "Embedding size")
	cmd.Flags().Bool("flatten", true, "Emit [B, N+1, E] tokens instead of the [B, E, H/P, W/P] map")
}

func configOptions(cmd *cobra.Command) []config.Option {
	flags := cmd.Flags()
	var opts []config.Option
	if flags.Changed("mode") {
		v, _ := flags.GetString("mode")
		opts = append(opts, config.WithTensorParallelMode(v))
	}
	if flags.Changed("size") {
		v, _ := flags.GetInt("size")
		opts = append(opts, config.WithTensorParallelSize(v))
	}
	if flags.Changed("depth") {
		v, _ := flags.GetInt("depth")
		opts = append(opts, config.WithTensorParallelDepth(v))
	}
	if flags.Changed("rank") {
		v, _ := flags.GetInt("rank")
		opts = append(opts, config.WithRank(v))
	}
	if flags.Changed("seed") {
		v, _ := flags.GetUint64("seed")
		opts = append(opts, config.WithSeed(v))
	}
	if flags.Changed("dtype") {
		v, _ := flags.GetString("dtype")
		opts = append(opts, config.WithDtype(v))
	}
	if flags.Changed("debug") {
		v, _ := flags.GetBool("debug")
		opts = append(opts, config.WithDebug(v))
	}
	return opts
}

func initRuntime(cmd *cobra.Command) (*nanotp.Runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	return nanotp.Init(path, configOptions(cmd)...)
}

func paddingIdx(cmd *cobra.Command) *int {
	if !cmd.Flags().Changed("padding-idx") {
		return nil
	}
	v, _ := cmd.Flags().GetInt("padding-idx")
	return &v
}

func buildEmbedding(cmd *cobra.Command, rt *nanotp.Runtime) (*nn.Embedding, error) {
	num, _ := cmd.Flags().GetInt("num")
	dim, _ := cmd.Flags().GetInt("dim")
	opts := []nn.EmbeddingOption{nn.WithDtype(rt.Dtype)}
	if pad := paddingIdx(cmd); pad != nil {
		opts = append(opts, nn.WithPaddingIdx(*pad))
	}
	return nn.NewEmbedding(num, dim, opts...)
}

func buildPatchEmbedding(cmd *cobra.Command, rt *nanotp.Runtime) (*nn.PatchEmbedding, error) {
	flags := cmd.Flags()
	img, _ := flags.GetInt("img")
	patch, _ := flags.GetInt("patch")
	chans, _ := flags.GetInt("chans")
	embed, _ := flags.GetInt("embed")
	flatten, _ := flags.GetBool("flatten")
	return nn.NewPatchEmbedding(img, patch, chans, embed, nn.WithPatchDtype(rt.Dtype), nn.WithFlatten(flatten))
}

func buildLayer(cmd *cobra.Command, rt *nanotp.Runtime) (layer, error) {
	kind, _ := cmd.Flags().GetString("layer")
	switch kind {
	case "embedding":
		return buildEmbedding(cmd, rt)
	case "patch":
		return buildPatchEmbedding(cmd, rt)
	}
	return nil, errors.Errorf("unknown layer %q, want embedding or patch", kind)
}

// parseIDs reads "1,2,3" as a [3] input and "1,2;3,4" as a [2, 2] input.
func parseIDs(s string) ([]int64, []int, error) {
	rows := strings.Split(s, ";")
	var ids []int64
	width := -1
	for _, row := range rows {
		fields := strings.Split(row, ",")
		if width >= 0 && len(fields) != width {
			return nil, nil, errors.Errorf("ragged ids: rows of %d and %d", width, len(fields))
		}
		width = len(fields)
		for _, f := range fields {
			id, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "invalid id %q", f)
			}
			ids = append(ids, id)
		}
	}
	if len(rows) == 1 {
		return ids, []int{width}, nil
	}
	return ids, []int{len(rows), width}, nil
}

func readWeights(path string, names ...string) ([][]float64, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(names))
	for n, name := range names {
		if out[n], _, err = f.ReadFloat64(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func summarize(cmd *cobra.Command, mode parallel.Mode, out *tensor.Tensor) ([]float64, error) {
	vals, err := out.Float64s()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "mode %s: output %v, sum %.6f, l2 %.6f\n",
		mode, out.Shape(), floats.Sum(vals), floats.Norm(vals, 2))
	return vals, nil
}

func verify(cmd *cobra.Command, got []float64, want *tensor.Tensor) error {
	ref, err := want.Float64s()
	if err != nil {
		return err
	}
	if len(ref) != len(got) || !floats.EqualApprox(got, ref, 1e-5) {
		return errors.New("output differs from the single device reference")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "output matches the single device reference")
	return nil
}

func newEmbedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Run an embedding lookup under the configured mode",
		Args:  cobra.NoArgs,
		RunE:  embedHandler,
	}
	addEmbeddingFlags(cmd)
	cmd.Flags().String("ids", "0,1,2,3", "Token ids; rows separated by ';'")
	cmd.Flags().String("weights", "", "safetensors file holding a logical 'weight' table")
	cmd.Flags().Bool("verify", false, "Compare against a single device embedding")
	return cmd
}

func embedHandler(cmd *cobra.Command, args []string) error {
	defer nanotp.Shutdown()
	rt, err := initRuntime(cmd)
	if err != nil {
		return err
	}
	e, err := buildEmbedding(cmd, rt)
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("weights"); path != "" {
		data, err := readWeights(path, "weight")
		if err != nil {
			return err
		}
		loader, ok := e.Inner().(interface{ LoadWeights([]float64) error })
		if !ok {
			return errors.Errorf("%T cannot load weights", e.Inner())
		}
		if err := loader.LoadWeights(data[0]); err != nil {
			return err
		}
	}

	s, _ := cmd.Flags().GetString("ids")
	ids, shape, err := parseIDs(s)
	if err != nil {
		return err
	}
	input, err := tensor.FromInt64s(shape, ids)
	if err != nil {
		return err
	}
	out, err := e.Forward(cmd.Context(), input)
	if err != nil {
		return err
	}
	got, err := summarize(cmd, e.Mode(), out)
	if err != nil {
		return err
	}

	if ok, _ := cmd.Flags().GetBool("verify"); !ok {
		return nil
	}
	full, ok := e.Inner().(interface{ FullWeight() (*tensor.Tensor, error) })
	if !ok {
		return errors.Errorf("%T has no logical weight", e.Inner())
	}
	w, err := full.FullWeight()
	if err != nil {
		return err
	}
	table, err := w.Float64s()
	if err != nil {
		return err
	}
	shp := w.Shape()
	ref, err := layers.NewEmbedding(shp[0], shp[1], paddingIdx(cmd), rt.Dtype, tensor.CPU)
	if err != nil {
		return err
	}
	if err := ref.LoadWeights(table); err != nil {
		return err
	}
	want, err := ref.Forward(cmd.Context(), input)
	if err != nil {
		return err
	}
	return verify(cmd, got, want)
}

func newPatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Embed a deterministic image batch under the configured mode",
		Args:  cobra.NoArgs,
		RunE:  patchHandler,
	}
	addPatchFlags(cmd)
	cmd.Flags().Int("batch", 2, "Number of images")
	cmd.Flags().String("weights", "", "safetensors file holding weight, bias, cls_token and pos_embed")
	cmd.Flags().Bool("verify", false, "Compare against a single device patch embedding")
	return cmd
}

// testImages fills a [batch, chans, img, img] batch with a fixed ramp.
func testImages(batch, chans, img int, dtype tensor.Dtype) (*tensor.Tensor, error) {
	data := make([]float64, batch*chans*img*img)
	for i := range data {
		data[i] = float64(i%17)/17 - 0.5
	}
	return tensor.FromFloat64s([]int{batch, chans, img, img}, dtype, tensor.CPU, data)
}

func patchHandler(cmd *cobra.Command, args []string) error {
	defer nanotp.Shutdown()
	rt, err := initRuntime(cmd)
	if err != nil {
		return err
	}
	p, err := buildPatchEmbedding(cmd, rt)
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("weights"); path != "" {
		data, err := readWeights(path, "weight", "bias", "cls_token", "pos_embed")
		if err != nil {
			return err
		}
		loader, ok := p.Inner().(interface {
			LoadWeights(weight, bias, cls, pos []float64) error
		})
		if !ok {
			return errors.Errorf("%T cannot load weights", p.Inner())
		}
		if err := loader.LoadWeights(data[0], data[1], data[2], data[3]); err != nil {
			return err
		}
	}

	flags := cmd.Flags()
	batch, _ := flags.GetInt("batch")
	img, _ := flags.GetInt("img")
	chans, _ := flags.GetInt("chans")
	input, err := testImages(batch, chans, img, rt.Dtype)
	if err != nil {
		return err
	}
	out, err := p.Forward(cmd.Context(), input)
	if err != nil {
		return err
	}
	got, err := summarize(cmd, p.Mode(), out)
	if err != nil {
		return err
	}

	if ok, _ := flags.GetBool("verify"); !ok {
		return nil
	}
	full, ok := p.Inner().(interface{ FullParams() ([][]float64, error) })
	if !ok {
		return errors.Errorf("%T has no logical parameters", p.Inner())
	}
	params, err := full.FullParams()
	if err != nil {
		return err
	}
	patch, _ := flags.GetInt("patch")
	embed, _ := flags.GetInt("embed")
	flatten, _ := flags.GetBool("flatten")
	ref, err := layers.NewPatchEmbedding(img, patch, chans, embed, layers.PatchEmbeddingOptions{Dtype: rt.Dtype, Flatten: flatten})
	if err != nil {
		return err
	}
	if err := ref.LoadWeights(params[0], params[1], params[2], params[3]); err != nil {
		return err
	}
	want, err := ref.Forward(cmd.Context(), input)
	if err != nil {
		return err
	}
	return verify(cmd, got, want)
}

func newShardsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shards",
		Short: "Show which weight shard every rank holds",
		Args:  cobra.NoArgs,
		RunE:  shardsHandler,
	}
	cmd.Flags().String("layer", "embedding", "Layer to lay out: embedding or patch")
	addEmbeddingFlags(cmd)
	addPatchFlags(cmd)
	return cmd
}

func coords(c []int) string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.Itoa(v)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

func shardsHandler(cmd *cobra.Command, args []string) error {
	defer nanotp.Shutdown()
	rt, err := initRuntime(cmd)
	if err != nil {
		return err
	}
	l, err := buildLayer(cmd, rt)
	if err != nil {
		return err
	}

	var data [][]string
	if s, ok := l.Inner().(sharded); ok {
		layout, pc := s.Layout(), s.Context()
		for r, shard := range s.Shards() {
			p := layout.Placements[r]
			data = append(data, []string{
				strconv.Itoa(r),
				coords(pc.Coords(r)),
				strconv.Itoa(p.Shard),
				strconv.Itoa(p.Block),
				strconv.Itoa(p.Chunk),
				fmt.Sprint(shard.Shape()),
			})
		}
	} else {
		data = append(data, []string{"0", "(0)", "0", "0", "0", fmt.Sprint(l.Weight().Shape())})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "mode %s, %d ranks\n", l.Mode(), len(data))
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"RANK", "COORDS", "SHARD", "BLOCK", "CHUNK", "SHAPE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export DIR",
		Short: "Write every rank's parameter shards to DIR as safetensors",
		Args:  cobra.ExactArgs(1),
		RunE:  exportHandler,
	}
	cmd.Flags().String("layer", "embedding", "Layer to export: embedding or patch")
	addEmbeddingFlags(cmd)
	addPatchFlags(cmd)
	return cmd
}

func exportHandler(cmd *cobra.Command, args []string) error {
	defer nanotp.Shutdown()
	rt, err := initRuntime(cmd)
	if err != nil {
		return err
	}
	l, err := buildLayer(cmd, rt)
	if err != nil {
		return err
	}

	dtype := "F32"
	if rt.Dtype == tensor.Float64 {
		dtype = "F64"
	}
	params := []map[string]*tensor.Tensor{{"weight": l.Weight()}}
	placements := []parallel.Placement{{Group: []int{0}}}
	switch inner := l.Inner().(type) {
	case rankParams:
		placements = inner.Layout().Placements
		params = make([]map[string]*tensor.Tensor, len(placements))
		for r := range placements {
			params[r] = inner.RankParams(r)
		}
	case sharded:
		placements = inner.Layout().Placements
		params = params[:0]
		for _, shard := range inner.Shards() {
			params = append(params, map[string]*tensor.Tensor{"weight": shard})
		}
	case patchParams:
		params[0]["bias"] = inner.Bias()
		params[0]["cls_token"] = inner.ClsToken()
		params[0]["pos_embed"] = inner.PosEmbed()
	}

	if err := os.MkdirAll(args[0], 0o755); err != nil {
		return err
	}
	for r, named := range params {
		tensors := make([]safetensors.Tensor, 0, len(named))
		for _, name := range exportOrder {
			t, ok := named[name]
			if !ok {
				continue
			}
			data, err := t.Float64s()
			if err != nil {
				return errors.Wrapf(err, "rank %d %s", r, name)
			}
			tensors = append(tensors, safetensors.Tensor{Name: name, Dtype: dtype, Shape: t.Shape(), Data: data})
		}
		path := filepath.Join(args[0], fmt.Sprintf("rank-%03d.safetensors", r))
		err = safetensors.Write(path, tensors, map[string]string{
			"mode":  string(l.Mode()),
			"rank":  strconv.Itoa(r),
			"shard": strconv.Itoa(placements[r].Shard),
			"world": strconv.Itoa(len(params)),
		})
		if err != nil {
			return errors.Wrapf(err, "rank %d", r)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List tensor parallel modes and their grids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			grids := map[parallel.Mode]string{
				parallel.ModeNone: "1 rank",
				parallel.Mode1D:   "p ranks",
				parallel.Mode2D:   "q x q ranks",
				parallel.Mode2p5D: "q x q x d ranks",
				parallel.Mode3D:   "q x q x q ranks",
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"MODE", "GRID"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			for _, m := range parallel.Modes() {
				table.Append([]string{string(m), grids[m]})
			}
			table.Render()
			return nil
		},
	}
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List environment variables and the values they resolve to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(path, configOptions(cmd)...)
			if err != nil {
				return err
			}
			vars := config.AsMap(cfg)
			names := make([]string, 0, len(vars))
			for k := range vars {
				names = append(names, k)
			}
			sort.Strings(names)

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetAutoWrapText(false)
			for _, k := range names {
				v := vars[k]
				table.Append([]string{v.Name, fmt.Sprint(v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}
}
