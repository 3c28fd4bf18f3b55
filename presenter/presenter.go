package presenter

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/omni/vault-monitor/db"
	"github.com/omni/vault-monitor/entity"
	"github.com/omni/vault-monitor/logging"
	"github.com/omni/vault-monitor/monitor"
	custommw "github.com/omni/vault-monitor/presenter/http/middleware"
	"github.com/omni/vault-monitor/presenter/http/render"
	"github.com/omni/vault-monitor/repository"
)

type Presenter struct {
	logger   logging.Logger
	repo     *repository.Repo
	verifier *monitor.Verifier
	root     chi.Router
}

func NewPresenter(logger logging.Logger, repo *repository.Repo, verifier *monitor.Verifier) *Presenter {
	return &Presenter{
		logger:   logger,
		repo:     repo,
		verifier: verifier,
		root:     chi.NewMux(),
	}
}

func (p *Presenter) Serve(addr string) error {
	p.logger.WithField("addr", addr).Info("starting presenter service")
	p.root.Use(middleware.Throttle(5))
	p.root.Use(middleware.RequestID)
	p.root.Use(custommw.NewLoggerMiddleware(p.logger))
	p.root.Use(custommw.Recoverer)
	p.root.Get("/tx/{chainID:[0-9]+}/{txHash:0x[0-9a-fA-F]{64}}", p.GetTx)
	p.root.Get("/address/{chainID:[0-9]+}/{address:0x[0-9a-fA-F]{40}}", p.SearchByAddress)
	p.root.Post("/verify/{chainID:[0-9]+}/{txHash:0x[0-9a-fA-F]{64}}", p.VerifyTx)
	return http.ListenAndServe(addr, p.root)
}

func (p *Presenter) GetTx(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chainID := chi.URLParamFromCtx(ctx, "chainID")
	txHash := common.HexToHash(chi.URLParamFromCtx(ctx, "txHash"))

	tx, err := p.repo.Transactions.GetByTxHash(ctx, chainID, txHash)
	if err != nil {
		if err2 := db.IgnoreErrNotFound(err); err2 != nil {
			render.Error(w, r, err2)
			return
		}
		render.JSON(w, r, http.StatusNotFound, &SearchResult{Transactions: []*TransactionResult{}})
		return
	}
	render.JSON(w, r, http.StatusOK, NewSearchResult([]*entity.Transaction{tx}))
}

func (p *Presenter) SearchByAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chainID := chi.URLParamFromCtx(ctx, "chainID")
	addr := common.HexToAddress(chi.URLParamFromCtx(ctx, "address"))

	txs, err := p.repo.Transactions.FindByAddress(ctx, chainID, addr)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, r, http.StatusOK, NewSearchResult(txs))
}

func (p *Presenter) VerifyTx(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chainID := chi.URLParamFromCtx(ctx, "chainID")
	txHash := common.HexToHash(chi.URLParamFromCtx(ctx, "txHash"))

	res, err := p.verifier.Verify(ctx, chainID, txHash)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Found {
		status = http.StatusNotFound
	}
	render.JSON(w, r, status, NewVerifyResult(res))
}
