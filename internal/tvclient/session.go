package tvclient

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/hanhvu87/Sen13-project/internal/model"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
	"github.com/hanhvu87/Sen13-project/internal/tvwire"
)

// Result maps each requested (symbol, timeframe) to its fetched bars,
// ascending by timestamp. Every requested key is present; a series that
// produced nothing maps to an empty slice, never an error.
type Result map[model.SeriesKey][]model.Bar

// FetchOptions configures one sequential fetch batch.
type FetchOptions struct {
	Symbols    []string
	Timeframes []timeframe.Label
	Count      int           // closed bars wanted per series
	Timeout    time.Duration // wall-clock budget for the whole batch
	Location   *time.Location
}

// Fetcher walks N symbols x M timeframes over one connection, strictly one
// series in flight at a time. It owns all session state for the connection's
// lifetime and runs single-threaded: handlers are plain methods invoked from
// one receive loop, so no locking is needed.
//
// Per series it accumulates bars that are strictly before the closed-bar
// cutoff (bar_close_time minus one bar duration, in UTC), deduplicated by
// timestamp. It finalizes early once Count bars arrived, asks for more data
// at most once, retries a series-limit error at most once, and abandons the
// series on anything else.
type Fetcher struct {
	conn      Conn
	authToken string
	opts      FetchOptions
	loc       *time.Location

	chartSession string

	pendingSymbols []string
	remainingTFs   []timeframe.Label

	curSymbol   string
	symbolAlias string
	curTF       timeframe.Label
	seriesID    string
	shortID     string

	bars          map[int64]model.Bar // keyed by unix second, dedupe
	processed     map[string]bool     // finalized series ids
	retriedLimit  bool
	requestedMore bool

	results Result
	done    bool

	// Metrics hooks (optional).
	OnSeriesRetry     func()
	OnSeriesAbandoned func()
}

// NewFetcher creates a Fetcher over an already-dialed connection.
func NewFetcher(conn Conn, authToken string, opts FetchOptions) *Fetcher {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 25 * time.Second
	}
	return &Fetcher{
		conn:           conn,
		authToken:      authToken,
		opts:           opts,
		loc:            loc,
		chartSession:   genID("cs"),
		pendingSymbols: append([]string(nil), opts.Symbols...),
		processed:      make(map[string]bool),
		results:        make(Result, len(opts.Symbols)*len(opts.Timeframes)),
	}
}

// Run drives the batch to completion and returns the result map. Protocol
// and transport errors never escape: a failed unit of work yields an empty
// entry and the engine moves on. Run always returns within the configured
// timeout plus one in-flight read.
func (f *Fetcher) Run(ctx context.Context) Result {
	deadline := time.Now().Add(f.opts.Timeout)
	f.conn.SetReadDeadline(deadline)

	f.begin()

	for !f.done {
		select {
		case <-ctx.Done():
			f.abandonAll()
			continue
		default:
		}
		if time.Now().After(deadline) {
			f.abandonAll()
			continue
		}

		_, data, err := f.conn.ReadMessage()
		if err != nil {
			// Deadline hit or transport dropped. Keep the bars already
			// accumulated for the in-flight series and walk on; follow-up
			// reads fail fast, so the remaining queue drains with empty
			// entries instead of hanging.
			f.finishSeries()
			continue
		}

		for _, body := range tvwire.Bodies(string(data)) {
			f.handle(tvwire.Decode(body))
			if f.done {
				break
			}
		}
	}

	f.conn.Close()
	return f.results
}

func (f *Fetcher) begin() {
	send(f.conn, "set_auth_token", f.authToken)
	send(f.conn, "chart_create_session", f.chartSession, "")
	f.startNextSymbol()
}

func (f *Fetcher) handle(msg tvwire.Message) {
	switch msg.Kind {
	case tvwire.KindHeartbeat:
		echoHeartbeat(f.conn, msg.Heartbeat)
	case tvwire.KindTimescaleUpdate:
		f.onUpdate(msg.Update)
	case tvwire.KindSeriesCompleted:
		f.onCompleted(msg)
	case tvwire.KindCriticalError, tvwire.KindSymbolError:
		f.onError(msg)
	}
}

// onUpdate appends newly seen closed bars for the in-flight series. Bars at
// or past bar_close_time minus one duration belong to the still-forming
// bucket and are skipped; everything is compared in UTC epoch seconds so no
// timezone math can shift the cutoff.
func (f *Fetcher) onUpdate(up *tvwire.TimescaleUpdate) {
	if f.seriesID == "" || up == nil {
		return
	}
	node, ok := up.Series[f.seriesID]
	if !ok || node.BarCloseTime == 0 {
		return
	}

	cutoff := node.BarCloseTime - int64(f.curTF.Duration()/time.Second)
	for _, p := range node.Bars {
		if p.Time >= cutoff {
			continue
		}
		if _, dup := f.bars[p.Time]; dup {
			continue
		}
		f.bars[p.Time] = model.Bar{
			TS:        time.Unix(p.Time, 0).UTC(),
			Open:      p.Open,
			High:      p.High,
			Low:       p.Low,
			Close:     p.Close,
			Volume:    p.Volume,
			HasVolume: p.HasVolume,
		}
	}

	if len(f.bars) >= f.opts.Count {
		f.finishSeries()
		return
	}
	if !f.requestedMore && len(f.bars) > 0 {
		f.requestedMore = true
		send(f.conn, "request_more_data", f.shortID, f.opts.Count+askMargin)
	}
}

func (f *Fetcher) onCompleted(msg tvwire.Message) {
	if f.seriesID == "" || msg.SeriesID != f.seriesID || f.processed[msg.SeriesID] {
		return
	}
	f.finishSeries()
}

// onError applies the bounded-retry policy: a series-limit error gets one
// remove-and-recreate of the same series; a second one, or any other error
// kind, abandons the series with zero bars and advances.
func (f *Fetcher) onError(msg tvwire.Message) {
	if f.seriesID == "" {
		return
	}
	if strings.Contains(msg.Raw, seriesLimitText) && !f.retriedLimit {
		f.retriedLimit = true
		if f.OnSeriesRetry != nil {
			f.OnSeriesRetry()
		}
		log.Printf("[tvclient] series limit hit for %s %s, retrying once", f.curSymbol, f.curTF)
		f.dropSeries()
		f.createSeries()
		return
	}
	log.Printf("[tvclient] provider error for %s %s, abandoning series", f.curSymbol, f.curTF)
	if f.OnSeriesAbandoned != nil {
		f.OnSeriesAbandoned()
	}
	f.results[f.key()] = []model.Bar{}
	f.dropSeries()
	f.startNextTF()
}

// finishSeries sorts the accumulated bars, keeps the newest Count, records
// the result in the display timezone, and advances. The processed-id guard
// makes duplicate completion signals a no-op.
func (f *Fetcher) finishSeries() {
	if f.seriesID == "" || f.processed[f.seriesID] {
		return
	}

	bars := make([]model.Bar, 0, len(f.bars))
	for _, b := range f.bars {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	if len(bars) > f.opts.Count {
		bars = bars[len(bars)-f.opts.Count:]
	}
	for i := range bars {
		bars[i].TS = bars[i].TS.In(f.loc)
	}

	f.results[f.key()] = bars
	f.dropSeries()
	f.startNextTF()
}

// dropSeries unsubscribes the in-flight series and marks it processed.
func (f *Fetcher) dropSeries() {
	if f.seriesID == "" {
		return
	}
	send(f.conn, "remove_series", f.chartSession, f.seriesID)
	f.processed[f.seriesID] = true
	f.seriesID = ""
	f.shortID = ""
}

func (f *Fetcher) startNextTF() {
	if len(f.remainingTFs) == 0 {
		f.startNextSymbol()
		return
	}
	f.curTF = f.remainingTFs[0]
	f.remainingTFs = f.remainingTFs[1:]
	f.bars = make(map[int64]model.Bar, f.opts.Count+askMargin)
	f.retriedLimit = false
	f.requestedMore = false
	f.createSeries()
}

func (f *Fetcher) startNextSymbol() {
	if len(f.pendingSymbols) == 0 {
		f.done = true
		return
	}
	f.curSymbol = f.pendingSymbols[0]
	f.pendingSymbols = f.pendingSymbols[1:]
	f.symbolAlias = genID("sym")
	send(f.conn, "resolve_symbol", f.chartSession, f.symbolAlias, symbolPayload(f.curSymbol))
	f.remainingTFs = append([]timeframe.Label(nil), f.opts.Timeframes...)
	f.startNextTF()
}

func (f *Fetcher) createSeries() {
	f.seriesID = genID("sds")
	f.shortID = genID("s")
	send(f.conn, "create_series",
		f.chartSession, f.seriesID, f.shortID, f.symbolAlias,
		f.curTF.Resolution(), f.opts.Count+askMargin, "")
}

// abandonAll finalizes the in-flight series with whatever accumulated and
// records empty entries for everything still queued. Used on timeout and
// cancellation: partial results beat total failure.
func (f *Fetcher) abandonAll() {
	if f.done {
		return
	}
	f.finishSeriesNoAdvance()

	for _, tf := range f.remainingTFs {
		f.results[model.SeriesKey{Symbol: f.curSymbol, Timeframe: string(tf)}] = []model.Bar{}
	}
	for _, sym := range f.pendingSymbols {
		for _, tf := range f.opts.Timeframes {
			f.results[model.SeriesKey{Symbol: sym, Timeframe: string(tf)}] = []model.Bar{}
		}
	}
	f.done = true
}

// finishSeriesNoAdvance is finishSeries without queue advancement, for the
// shutdown path.
func (f *Fetcher) finishSeriesNoAdvance() {
	if f.seriesID == "" || f.processed[f.seriesID] {
		return
	}
	bars := make([]model.Bar, 0, len(f.bars))
	for _, b := range f.bars {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
	if len(bars) > f.opts.Count {
		bars = bars[len(bars)-f.opts.Count:]
	}
	for i := range bars {
		bars[i].TS = bars[i].TS.In(f.loc)
	}
	f.results[f.key()] = bars
	f.processed[f.seriesID] = true
	f.seriesID = ""
	f.shortID = ""
}

func (f *Fetcher) key() model.SeriesKey {
	return model.SeriesKey{Symbol: f.curSymbol, Timeframe: string(f.curTF)}
}
