package viz

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/norasector/smu/pkg/serde"
	"github.com/norasector/smu/pkg/smu"
	"github.com/norasector/smu/pkg/types"
	"github.com/norasector/smu/pkg/util"
)

// viewWindow is how long a bucket keeps rendering after it was last viewed.
const viewWindow = 5 * time.Second

type ImageContainer struct {
	name string
	data []byte
}

type Producer interface {
	Name() string
	GetImage() (*ImageContainer, error)
	AddPlotOption(opt PlotOptions)
}

// Inventory lists attached units and open sessions. *smu.Manager implements it.
type Inventory interface {
	Scan() ([]types.Descriptor, error)
	Sessions() []*smu.Session
}

type devicesResponse struct {
	Attached []types.Descriptor `json:"attached"`
	Sessions []smu.Info         `json:"sessions"`
}

type Option func(s *Server)

func WithInventory(inv Inventory) Option {
	return func(s *Server) {
		s.inventory = inv
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

type Server struct {
	images          map[string]map[string]*ImageContainer
	mu              sync.RWMutex
	srv             *http.Server
	producerBuckets map[string]map[string]Producer
	updateInterval  time.Duration
	enabled         bool
	lastViewed      map[string]time.Time

	inventory Inventory
	gatherer  prometheus.Gatherer
	logger    zerolog.Logger
}

func NewServer(port int, updateInterval time.Duration, opts ...Option) *Server {
	s := &Server{
		images:          make(map[string]map[string]*ImageContainer),
		producerBuckets: make(map[string]map[string]Producer),
		lastViewed:      make(map[string]time.Time),
		srv:             &http.Server{Addr: fmt.Sprintf(":%d", port)},
		updateInterval:  updateInterval,
		enabled:         true,
		logger:          log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv.Handler = s.Handler()
	return s
}

func (s *Server) Enable(enable bool) {
	s.mu.Lock()
	s.enabled = enable
	s.mu.Unlock()
}

func (s *Server) Register(key string, p Producer) {
	s.mu.Lock()
	bucket, ok := s.producerBuckets[key]
	if !ok {
		bucket = make(map[string]Producer)
		s.producerBuckets[key] = bucket
	}
	bucket[p.Name()] = p
	s.mu.Unlock()
}

// Unregister drops a bucket and its rendered images.
func (s *Server) Unregister(key string) {
	s.mu.Lock()
	delete(s.producerBuckets, key)
	delete(s.images, key)
	delete(s.lastViewed, key)
	s.mu.Unlock()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// update renders every producer in bucket.
func (s *Server) update(bucketName string) {
	s.mu.RLock()
	producers := make([]Producer, 0, len(s.producerBuckets[bucketName]))
	for _, p := range s.producerBuckets[bucketName] {
		producers = append(producers, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, producer := range producers {
		wg.Add(1)
		go func(p Producer) {
			defer wg.Done()

			var img *ImageContainer
			took, err := util.TimeOperationErr(func() (err error) {
				img, err = p.GetImage()
				return err
			})
			if err != nil {
				s.logger.Warn().Err(err).Str("bucket", bucketName).Str("plot", p.Name()).Msg("error rendering plot")
				return
			}
			if img == nil {
				return
			}
			s.logger.Debug().Str("bucket", bucketName).Str("plot", p.Name()).Int64("render_us", took).Msg("plot rendered")

			s.mu.Lock()
			mb, ok := s.images[bucketName]
			if !ok {
				mb = make(map[string]*ImageContainer)
				s.images[bucketName] = mb
			}
			mb[img.name] = img
			s.mu.Unlock()
		}(producer)
	}
	wg.Wait()
}

func (s *Server) refresh(ctx context.Context) {
	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			enabled := s.enabled
			var viewed []string
			for bucketName := range s.producerBuckets {
				if time.Since(s.lastViewed[bucketName]) < viewWindow {
					viewed = append(viewed, bucketName)
				}
			}
			s.mu.RUnlock()

			if !enabled {
				continue
			}
			for _, bucketName := range viewed {
				s.update(bucketName)
			}
		}
	}
}

func (s *Server) markViewed(bucket string) {
	s.mu.Lock()
	s.lastViewed[bucket] = time.Now()
	s.mu.Unlock()
}

func (s *Server) bucketNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.producerBuckets))
	for key := range s.producerBuckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) Handler() http.Handler {
	handler := httprouter.New()

	handler.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		keys := s.bucketNames()
		if len(keys) == 0 {
			http.Redirect(w, r, "/devices", http.StatusFound)
			return
		}
		http.Redirect(w, r, "/view/"+url.PathEscape(keys[0]), http.StatusFound)
	})

	handler.GET("/view/:bucket", s.handleView)

	handler.GET("/img/:bucket/:img", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		bucketName := params.ByName("bucket")
		s.markViewed(bucketName)

		s.mu.RLock()
		img, ok := s.images[bucketName][params.ByName("img")]
		s.mu.RUnlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Add("Content-Type", "image/png")
		w.Write(img.data)
	})

	handler.GET("/devices", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if s.inventory == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		attached, err := s.inventory.Scan()
		if err != nil {
			s.logger.Error().Err(err).Msg("error scanning devices")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		resp := devicesResponse{Attached: attached, Sessions: []smu.Info{}}
		for _, sess := range s.inventory.Sessions() {
			resp.Sessions = append(resp.Sessions, sess.Info())
		}

		data, err := serde.MarshalJSON(resp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Add("Content-Type", "application/json")
		w.Write(data)
	})

	if s.gatherer != nil {
		handler.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return handler
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	bucket := params.ByName("bucket")

	s.mu.RLock()
	itemsForBucket, ok := s.producerBuckets[bucket]
	imgKeys := make([]string, 0, len(itemsForBucket))
	for key := range itemsForBucket {
		imgKeys = append(imgKeys, key)
	}
	updateInterval := s.updateInterval
	s.mu.RUnlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	sort.Strings(imgKeys)

	s.markViewed(bucket)
	s.update(bucket)

	w.Header().Add("Content-Type", "text/html")
	w.Write([]byte(`<html><head><title>SMU Diagnostics</title></head>`))

	w.Write([]byte(fmt.Sprintf(`
		<script type="text/javascript">
			var toggleRefresh = true;
			function toggleOn() {
				toggleRefresh = !toggleRefresh;
			}

			function changeBucket() {
				var val = document.getElementById('bucketSelector').value;
				window.location.href = '/view/' + val;
			}
			window.onload = function() {
				for (var i = 0; i < %d; i++) {
					var img = document.getElementById('graph-' + i);
					setInterval(function(image) {
						if (toggleRefresh) {
							image.src = image.src.split("?")[0] + "?" + new Date().getTime();
						}
					}, %d, img);
				}
			}
		</script>`, len(imgKeys), updateInterval.Milliseconds())))
	w.Write([]byte(`<body style='background-color: black'>`))

	w.Write([]byte(`<select id="bucketSelector" onchange="changeBucket()">`))
	for _, bucketName := range s.bucketNames() {
		selected := ""
		if bucketName == bucket {
			selected = " selected"
		}
		w.Write([]byte(fmt.Sprintf(`<option value="%s"%s>%s</option>`, bucketName, selected, bucketName)))
	}
	w.Write([]byte(`</select>`))
	w.Write([]byte(`<button onclick="toggleOn()">Refresh?</button>`))
	w.Write([]byte(`<a href="/devices" style="color: white">devices</a>`))

	w.Write([]byte(`<div style="display: flex; flex-direction: row; flex-wrap: wrap">`))
	for idx, key := range imgKeys {
		w.Write([]byte(fmt.Sprintf(`<div><img id="graph-%d" src="/img/%s/%s?%d" /></div>`,
			idx, url.PathEscape(bucket), url.PathEscape(key), time.Now().UnixMicro())))
	}
	w.Write([]byte(`</div>`))

	w.Write([]byte(`</body></html>`))
}

// Run renders viewed buckets every update interval and serves HTTP until ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	go s.refresh(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.srv.Addr).Msg("diag server starting")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
