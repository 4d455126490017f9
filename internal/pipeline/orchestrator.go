package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/speaker-forge/internal/jobs"
	"github.com/yourusername/speaker-forge/internal/metrics"
	"github.com/yourusername/speaker-forge/internal/output"
	"github.com/yourusername/speaker-forge/internal/storage"
)

// ErrLeaseLost はジョブのオーナー権を失ったため実行を中断したことを表します。
var ErrLeaseLost = errors.New("job lease lost")

// Workspaces はジョブIDからワークスペースを引きます。
type Workspaces interface {
	Workspace(jobID string) (*storage.Workspace, error)
}

// Engines は起動時に選択したエンジン群です。フォールバックは nil で無効です。
type Engines struct {
	Codec              Codec
	Transcriber        Transcriber
	TranscribeFallback Transcriber
	Diarizer           Diarizer
	DiarizeFallback    Diarizer
}

// defaultPollInterval は中止要求を確認する既定の間隔です。
const defaultPollInterval = 5 * time.Second

// Options はオーケストレーターの動作設定です。
type Options struct {
	Owner             string
	Format            Format
	MinDiarizeSeconds float64
	Retry             RetryPolicy
	KeepIntermediate  bool

	// StaleAfter は Reaper が放棄とみなすまでの時間です。実行中はこの 1/3 ごとにハートビートを書き込みます。
	// 0 の場合ハートビートは書き込みません。
	StaleAfter   time.Duration
	// PollInterval は中止要求を確認する間隔です。
	PollInterval time.Duration
}

func (o Options) heartbeatInterval() time.Duration {
	return o.StaleAfter / 3
}

func (o Options) tick() time.Duration {
	poll := o.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if hb := o.heartbeatInterval(); hb > 0 && hb < poll {
		return hb
	}
	return poll
}

// Orchestrator はジョブの工程を順に実行し、ジョブ状態の唯一の書き手になります。
type Orchestrator struct {
	store      jobs.Store
	workspaces Workspaces
	engines    Engines
	opts       Options
	log        *zap.SugaredLogger
}

// NewOrchestrator は Orchestrator を作成します。
func NewOrchestrator(store jobs.Store, workspaces Workspaces, engines Engines, opts Options, log *zap.SugaredLogger) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if workspaces == nil {
		return nil, errors.New("workspaces is nil")
	}
	if engines.Codec == nil || engines.Transcriber == nil || engines.Diarizer == nil {
		return nil, errors.New("codec, transcriber and diarizer are required")
	}
	if opts.Owner == "" {
		return nil, errors.New("owner is required")
	}
	if opts.Format.SampleRate <= 0 {
		opts.Format.SampleRate = 16000
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		store:      store,
		workspaces: workspaces,
		engines:    engines,
		opts:       opts,
		log:        log.Named("pipeline"),
	}, nil
}

// Run はジョブを claim して全工程を実行します。
// 工程の失敗はジョブに failed として記録し、エラーは返しません。
// エラーを返すのは claim できない場合と、ジョブ状態を書き込めない場合だけです。
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	record, err := o.store.Claim(ctx, jobID, o.opts.Owner)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	r := &run{
		o:         o,
		jobID:     jobID,
		record:    record,
		lastWrite: time.Now(),
		log:       o.log.With("job_id", jobID),
	}
	return r.execute(ctx)
}

type stage struct {
	step    jobs.Step
	enter   int
	exit    int
	message string
	exec    func(ctx context.Context, progress Progress) error
}

// run は1回のジョブ実行の状態を保持します。
type run struct {
	o     *Orchestrator
	jobID string
	log   *zap.SugaredLogger

	mu        sync.Mutex
	record    *jobs.Record
	lastWrite time.Time
	lost      bool
	cancelled bool

	ws         *storage.Workspace
	manifest   *storage.Manifest
	audio      Audio
	transcript Transcript
	timeline   []Interval
	tracks     []jobs.Track
}

func (r *run) stages() []stage {
	return []stage{
		{step: jobs.StepConverting, enter: 10, exit: 25, message: "音声を変換しています", exec: r.convert},
		{step: jobs.StepTranscribing, enter: 30, exit: 50, message: "文字起こしを実行しています", exec: r.transcribe},
		{step: jobs.StepAligning, enter: 50, exit: 58, message: "単語のタイミングを調整しています", exec: r.align},
		{step: jobs.StepDiarizing, enter: 58, exit: 85, message: "話者を識別しています", exec: r.diarize},
		{step: jobs.StepExtracting, enter: 90, exit: 97, message: "話者ごとの音声を書き出しています", exec: r.extract},
		{step: jobs.StepFinalizing, enter: 98, exit: 100, message: "結果をまとめています", exec: r.finalize},
	}
}

func (r *run) execute(ctx context.Context) (err error) {
	runCtx, stop := context.WithCancel(ctx)
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		r.heartbeat(runCtx, stop)
	}()
	defer func() {
		stop()
		<-beating
	}()

	defer func() {
		if p := recover(); p != nil {
			r.log.Errorw("pipeline panicked", "panic", p)
			err = r.fail(ctx, NewError(KindInternal, CodeInternal, nil, "内部エラーが発生しました: %v", p))
		}
	}()

	if err := r.load(); err != nil {
		return r.fail(ctx, err)
	}

	for _, st := range r.stages() {
		if r.current().Step != st.step {
			if err := r.update(ctx, jobs.Advance(st.step, st.enter, st.message)); err != nil {
				return err
			}
		}
		if r.cancelRequested() {
			return r.fail(ctx, cancelledError())
		}

		stageCtx, cancel := context.WithCancel(runCtx)
		started := time.Now()
		r.log.Infow("stage started", "stage", st.step)
		stageErr := st.exec(stageCtx, r.progress(stageCtx, cancel, st))
		cancel()
		metrics.ObserveStageDuration(string(st.step), time.Since(started))

		if r.leaseLost() {
			return fmt.Errorf("%w: job %s", ErrLeaseLost, r.jobID)
		}
		if stageErr != nil && errors.Is(stageErr, jobs.ErrConflict) {
			return fmt.Errorf("%w: %v", ErrLeaseLost, stageErr)
		}
		if r.current().Status.IsTerminal() {
			return nil
		}
		if r.cancelRequested() {
			return r.fail(ctx, cancelledError())
		}
		if stageErr != nil {
			if ctx.Err() != nil {
				return r.fail(ctx, interruption(ctx.Err()))
			}
			return r.fail(ctx, stageErr)
		}
		r.log.Infow("stage finished", "stage", st.step, "elapsed", time.Since(started))

		cur := r.current()
		if cur.Step == st.step && cur.Progress < st.exit {
			if err := r.update(ctx, jobs.Advance(st.step, st.exit, st.message)); err != nil {
				return err
			}
		}
	}
	return nil
}

// heartbeat は実行中ずっとハートビートを書き込み、中止要求を確認します。
// 中止要求かオーナー権の喪失を検出すると stop で実行中の工程を止めます。
func (r *run) heartbeat(ctx context.Context, stop context.CancelFunc) {
	ticker := time.NewTicker(r.o.opts.tick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if r.checkIn(ctx) {
			stop()
			return
		}
	}
}

// checkIn は必要ならハートビートを書き込み、工程を止めるべきなら true を返します。
func (r *run) checkIn(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lost {
		return true
	}
	if r.record.Status.IsTerminal() {
		return false
	}

	interval := r.o.opts.heartbeatInterval()
	if interval > 0 && time.Since(r.lastWrite) >= interval {
		if err := r.updateLocked(ctx, jobs.Touch()); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				return true
			}
			if ctx.Err() == nil {
				r.log.Warnw("failed to save heartbeat", "error", err)
			}
			return false
		}
	} else {
		latest, err := r.o.store.Get(ctx, r.jobID)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warnw("failed to check job state", "error", err)
			}
			return false
		}
		if latest.Owner != r.o.opts.Owner {
			r.lost = true
			r.log.Warnw("job lease lost", "owner", latest.Owner)
			return true
		}
		if latest.CancelRequested {
			r.cancelled = true
		}
	}

	if r.cancelled || r.record.CancelRequested {
		r.cancelled = true
		r.log.Infow("cancel requested", "stage", r.record.Step)
		return true
	}
	return false
}

func (r *run) load() error {
	ws, err := r.o.workspaces.Workspace(r.jobID)
	if err != nil {
		return InvalidInput(err, "ジョブのワークスペースを特定できません")
	}
	manifest, err := ws.LoadManifest()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return InvalidInput(err, "アップロードされた音声が見つかりません")
		}
		return IOError(CodeWriteFailure, err, "ジョブ情報を読み込めませんでした")
	}
	if err := ws.Prepare(); err != nil {
		return IOError(CodeWriteFailure, err, "作業ディレクトリを作成できませんでした")
	}
	r.ws = ws
	r.manifest = manifest
	return nil
}

func (r *run) current() *jobs.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

func (r *run) leaseLost() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func (r *run) cancelRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled || r.record.CancelRequested
}

// update はジョブ状態を書き込みます。オーナー権を失っていれば ErrLeaseLost を返します。
func (r *run) update(ctx context.Context, mutate jobs.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(ctx, mutate)
}

func (r *run) updateLocked(ctx context.Context, mutate jobs.Mutation) error {
	if r.lost {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, r.jobID)
	}
	record, err := r.o.store.Update(ctx, r.jobID, r.o.opts.Owner, mutate)
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			r.lost = true
			r.log.Warnw("job lease lost", "error", err)
			return fmt.Errorf("%w: %v", ErrLeaseLost, err)
		}
		return fmt.Errorf("update job %s: %w", r.jobID, err)
	}
	r.record = record
	r.lastWrite = time.Now()
	return nil
}

// progress は工程内の進捗を工程の範囲に写像して保存します。前回より進んだ場合だけ書き込みます。
func (r *run) progress(ctx context.Context, cancel context.CancelFunc, st stage) Progress {
	return func(fraction float64) {
		pct := st.enter + int(math.Floor(float64(st.exit-st.enter)*fraction))
		if pct >= st.exit {
			pct = st.exit
		}
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.lost || r.record.Step != st.step || pct <= r.record.Progress {
			return
		}
		if err := r.updateLocked(ctx, jobs.Advance(st.step, pct, r.record.Message)); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				cancel()
				return
			}
			r.log.Warnw("failed to save progress", "stage", st.step, "error", err)
		}
	}
}

// fail はジョブを failed として記録します。呼び出し元の context が終了していても書き込みます。
func (r *run) fail(ctx context.Context, cause error) error {
	if r.leaseLost() {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, r.jobID)
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	kind, message := describe(cause)
	cur := r.current()
	r.log.Errorw("job failed",
		"stage", cur.Step,
		"kind", kind,
		"error", cause)

	if err := r.update(ctx, jobs.Fail(string(kind), message)); err != nil {
		return err
	}
	metrics.IncreaseJobsFinishedMetric(string(jobs.StatusFailed))
	return nil
}

// attempt はリトライ方針に従って工程を実行し、エンジンが利用できなければフォールバックを試します。
func (r *run) attempt(ctx context.Context, step jobs.Step, primary, fallback func(context.Context) error) error {
	onRetry := func(attempt int, err error) {
		metrics.IncreaseStageRetriesMetric(string(step))
		r.log.Warnw("retrying stage", "stage", step, "attempt", attempt, "error", err)
	}
	err := r.o.opts.Retry.Do(ctx, onRetry, primary)
	if err == nil || fallback == nil || KindOf(err) != KindCapabilityUnavailable {
		return err
	}
	metrics.IncreaseStageFallbacksMetric(string(step))
	r.log.Warnw("primary engine unavailable, using fallback", "stage", step, "error", err)
	return r.o.opts.Retry.Do(ctx, onRetry, fallback)
}

func (r *run) convert(ctx context.Context, progress Progress) error {
	input := r.ws.InputPath(r.manifest)
	if _, err := os.Stat(input); err != nil {
		return InvalidInput(err, "アップロードされた音声が見つかりません")
	}
	out, err := r.ws.WorkPath("audio.wav")
	if err != nil {
		return IOError(CodeWriteFailure, err, "作業ファイルのパスを作成できませんでした")
	}

	codec := r.o.engines.Codec
	err = r.attempt(ctx, jobs.StepConverting, func(ctx context.Context) error {
		return codec.Convert(ctx, input, out, r.o.opts.Format)
	}, nil)
	if err != nil {
		return err
	}
	progress.report(0.7)

	var duration float64
	err = r.attempt(ctx, jobs.StepConverting, func(ctx context.Context) error {
		d, err := codec.Probe(ctx, out)
		duration = d
		return err
	}, nil)
	if err != nil {
		return err
	}
	if duration <= 0 {
		return InvalidInput(nil, "音声の長さが0秒です")
	}
	r.audio = Audio{Path: out, DurationSeconds: duration, Format: r.o.opts.Format}
	progress.report(1)
	return nil
}

func (r *run) transcribe(ctx context.Context, progress Progress) error {
	use := func(t Transcriber) func(context.Context) error {
		return func(ctx context.Context) error {
			transcript, err := t.Transcribe(ctx, r.audio, progress)
			if err != nil {
				return err
			}
			r.transcript = transcript
			r.log.Infow("transcribed", "engine", t.Name(), "segments", len(transcript.Segments))
			return nil
		}
	}
	var fallback func(context.Context) error
	if t := r.o.engines.TranscribeFallback; t != nil {
		fallback = use(t)
	}
	return r.attempt(ctx, jobs.StepTranscribing, use(r.o.engines.Transcriber), fallback)
}

func (r *run) align(ctx context.Context, progress Progress) error {
	r.transcript = Align(r.transcript, r.audio.DurationSeconds)
	progress.report(1)
	return nil
}

func (r *run) diarize(ctx context.Context, progress Progress) error {
	if r.audio.DurationSeconds < r.o.opts.MinDiarizeSeconds {
		return Insufficient("音声が短すぎるため話者を識別できません（%.1f 秒、最低 %.1f 秒）",
			r.audio.DurationSeconds, r.o.opts.MinDiarizeSeconds)
	}

	var raw []Interval
	use := func(d Diarizer) func(context.Context) error {
		return func(ctx context.Context) error {
			intervals, err := d.Diarize(ctx, r.audio, r.transcript, progress)
			if err != nil {
				return err
			}
			raw = intervals
			r.log.Infow("diarized", "engine", d.Name(), "intervals", len(intervals))
			return nil
		}
	}
	var fallback func(context.Context) error
	if d := r.o.engines.DiarizeFallback; d != nil {
		fallback = use(d)
	}
	if err := r.attempt(ctx, jobs.StepDiarizing, use(r.o.engines.Diarizer), fallback); err != nil {
		return err
	}

	r.timeline = NormalizeIntervals(raw, r.audio.DurationSeconds)
	if len(r.timeline) == 0 {
		return Insufficient("発話区間が検出されませんでした")
	}
	AssignSpeakers(&r.transcript, r.timeline)
	progress.report(1)
	return nil
}

// asExtractFailure は書き出し段階の失敗を IOFailure にそろえます。
// 入力由来の分類や実行環境の欠落も、ここでは書き出しの失敗として記録します。
func asExtractFailure(err error, format string, args ...any) error {
	if KindOf(err) == KindIO {
		return err
	}
	return IOError(CodeCodecFailure, err, format, args...)
}

func (r *run) extract(ctx context.Context, progress Progress) error {
	speakers := Speakers(r.timeline)
	bySpeaker := IntervalsBySpeaker(r.timeline)
	words := WordCounts(r.transcript)
	codec := r.o.engines.Codec

	tracks := make([]jobs.Track, 0, len(speakers))
	for i, speaker := range speakers {
		out, err := r.ws.OutputPath(speaker + ".wav")
		if err != nil {
			return IOError(CodeWriteFailure, err, "出力ファイルのパスを作成できませんでした")
		}
		err = r.attempt(ctx, jobs.StepExtracting, func(ctx context.Context) error {
			return codec.ExtractIntervals(ctx, r.audio.Path, out, bySpeaker[speaker])
		}, nil)
		if err != nil {
			return asExtractFailure(err, "%s の音声を書き出せませんでした", speaker)
		}

		var duration float64
		err = r.attempt(ctx, jobs.StepExtracting, func(ctx context.Context) error {
			d, err := codec.Probe(ctx, out)
			duration = d
			return err
		}, nil)
		if err != nil {
			return asExtractFailure(err, "%s の書き出し結果を読み取れませんでした", speaker)
		}
		if duration <= 0 {
			return IOError(CodeCodecFailure, nil, "%s の書き出し結果が空です", speaker)
		}
		info, err := os.Stat(out)
		if err != nil {
			return IOError(CodeWriteFailure, err, "%s の音声を書き出せませんでした", speaker)
		}

		tracks = append(tracks, jobs.Track{
			SpeakerLabel:    speaker,
			AudioPath:       out,
			DurationSeconds: duration,
			WordCount:       words[speaker],
			FileSize:        info.Size(),
		})
		progress.report(float64(i+1) / float64(len(speakers)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lost {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, r.jobID)
	}
	msg := fmt.Sprintf("%d 人分の音声を書き出しました", len(tracks))
	record, err := r.o.store.SaveTracks(ctx, r.jobID, r.o.opts.Owner, tracks, jobs.Advance(jobs.StepFinalizing, 98, msg))
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			r.lost = true
			return fmt.Errorf("%w: %v", ErrLeaseLost, err)
		}
		return IOError(CodeWriteFailure, err, "話者トラックを保存できませんでした")
	}
	r.record = record
	r.lastWrite = time.Now()
	r.tracks = tracks
	return nil
}

func (r *run) finalize(ctx context.Context, progress Progress) error {
	doc := r.document()
	jsonPath, err := r.ws.OutputPath(output.JSONFilename)
	if err != nil {
		return IOError(CodeWriteFailure, err, "文字起こしのパスを作成できませんでした")
	}
	if err := output.WriteJSON(jsonPath, doc); err != nil {
		return IOError(CodeWriteFailure, err, "文字起こしを保存できませんでした")
	}
	mdPath, err := r.ws.OutputPath(output.MarkdownFilename)
	if err != nil {
		return IOError(CodeWriteFailure, err, "文字起こしのパスを作成できませんでした")
	}
	if err := output.WriteMarkdown(mdPath, doc); err != nil {
		return IOError(CodeWriteFailure, err, "文字起こしを保存できませんでした")
	}
	progress.report(0.5)

	if !r.o.opts.KeepIntermediate {
		if err := r.ws.CleanupWork(); err != nil {
			r.log.Warnw("failed to remove intermediate files", "error", err)
		}
	}

	msg := fmt.Sprintf("処理が完了しました（話者 %d 人）", len(r.tracks))
	if err := r.update(ctx, jobs.Complete(msg, len(r.tracks), r.ws.OutDir, jsonPath)); err != nil {
		return err
	}
	metrics.IncreaseJobsFinishedMetric(string(jobs.StatusCompleted))
	r.log.Infow("job completed", "speakers", len(r.tracks))
	return nil
}

func (r *run) document() *output.Document {
	doc := &output.Document{
		JobID:            r.jobID,
		OriginalFilename: r.current().OriginalFilename,
		Language:         r.transcript.Language,
		DurationSeconds:  r.audio.DurationSeconds,
		GeneratedAt:      time.Now().UTC(),
		Speakers:         make([]output.Speaker, 0, len(r.tracks)),
		Segments:         make([]output.Segment, 0, len(r.transcript.Segments)),
	}
	for _, t := range r.tracks {
		doc.Speakers = append(doc.Speakers, output.Speaker{
			Label:           t.SpeakerLabel,
			DisplayLabel:    t.Label(),
			DurationSeconds: t.DurationSeconds,
			WordCount:       t.WordCount,
			AudioFile:       filepath.Base(t.AudioPath),
		})
	}
	for _, s := range r.transcript.Segments {
		doc.Segments = append(doc.Segments, output.Segment{
			Start:   s.Start,
			End:     s.End,
			Speaker: s.Speaker,
			Text:    s.Text,
		})
	}
	return doc
}
