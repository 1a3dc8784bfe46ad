package ledger

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"OpenMCP-Solana/internal/issuance"
	"OpenMCP-Solana/internal/observability/alerting"
	"OpenMCP-Solana/internal/observability/metrics"
	"OpenMCP-Solana/pkg/logger"
)

// Observer 将工作流事件合并进账本，计数阶段指标，并在第二步失败时告警。
type Observer struct {
	store   Store
	alerter alerting.Dispatcher
	log     *slog.Logger
}

// NewObserver 构造观察者；alerter 可为空。
func NewObserver(store Store, alerter alerting.Dispatcher) *Observer {
	return &Observer{store: store, alerter: alerter, log: logger.Named("ledger")}
}

// Observe 实现 issuance.Observer。写入失败只记录日志，不影响链上结果的返回。
func (o *Observer) Observe(ctx context.Context, event issuance.Event) {
	metrics.IncIssuancePhase(event.Network, string(event.Stage))

	if o.store != nil && event.MintAddress != "" {
		record, err := o.merge(ctx, event)
		if err == nil {
			err = o.store.Put(ctx, record)
		}
		if err != nil {
			o.log.Error("写入发行账本失败",
				slog.Any("error", err),
				slog.String("mint", event.MintAddress),
				slog.String("stage", string(event.Stage)),
			)
		}
	}

	if event.Stage == issuance.StageSupplyFailed && o.alerter != nil {
		alert := alerting.FromError("issuance", event.MintAddress, event.Err)
		if alert.Metadata == nil {
			alert.Metadata = map[string]string{}
		}
		alert.Metadata["network"] = event.Network
		alert.Metadata["mint_address"] = event.MintAddress
		alert.Metadata["stage"] = string(event.Stage)
		if err := o.alerter.Notify(ctx, alert); err != nil {
			o.log.Error("发行告警发送失败", slog.Any("error", err), slog.String("mint", event.MintAddress))
		}
	}
}

func (o *Observer) merge(ctx context.Context, event issuance.Event) (Record, error) {
	record := Record{MintAddress: event.MintAddress}
	existing, err := o.store.Get(ctx, event.MintAddress)
	switch {
	case err == nil:
		record = *existing
	case !stdErrors.Is(err, ErrRecordNotFound):
		return Record{}, err
	}

	at := event.At.Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = at
	}
	record.UpdatedAt = at
	record.Network = event.Network
	record.Phase = Phase(event.Stage)
	record.Decimals = event.Decimals
	if event.InitialSupply.IsSet() {
		record.InitialSupply = event.InitialSupply.String()
	}
	if event.BaseUnits > 0 || event.Stage == issuance.StageSupplied {
		record.BaseUnits = event.BaseUnits
	}
	if req := event.Request; req != nil {
		record.Name = req.Name
		record.Symbol = req.Symbol
		record.URI = req.URI
	}

	switch event.Stage {
	case issuance.StageCreated, issuance.StageCreateFailed:
		record.CreateSignature = event.Signature
	case issuance.StageSupplied, issuance.StageSupplyFailed:
		if event.TokenAccount != "" {
			record.TokenAccount = event.TokenAccount
		}
		record.SupplySignature = event.Signature
	}

	record.LastError = ""
	if event.Err != nil {
		record.LastError = event.Err.Error()
	}
	return record, nil
}

var _ issuance.Observer = (*Observer)(nil)
