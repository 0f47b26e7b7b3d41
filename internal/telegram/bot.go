package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/PresetStudio/internal/catalog"
	"github.com/digkill/PresetStudio/internal/models"
	"github.com/digkill/PresetStudio/internal/orchestrator"
	"github.com/digkill/PresetStudio/internal/service"
)

const (
	maxSourceBytes = 20 << 20
	// Telegram accepts 2..10 items per media group.
	maxMediaGroup = 10

	cbPreset = "preset"
	cbStyle  = "style"
	cbRetry  = "retry"
)

var errSourceNotImage = errors.New("source not image")

type SourceStorage interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type BatchRunner interface {
	Run(ctx context.Context, req service.ReserveRequest) (*orchestrator.BatchResult, error)
	RetrySlot(ctx context.Context, userID, sessionID string, index int) orchestrator.Slot
}

type Balances interface {
	GetBalance(ctx context.Context, userID string) (models.Balance, error)
}

type Promos interface {
	Apply(ctx context.Context, userID, code string) (models.Balance, error)
}

type Payments interface {
	SendInvoice(ctx context.Context, bot *tgbotapi.BotAPI, userID string, chatID int64) error
	HandlePreCheckout(bot *tgbotapi.BotAPI, query *tgbotapi.PreCheckoutQuery) error
	HandleSuccessfulPayment(ctx context.Context, userID string, payment *tgbotapi.SuccessfulPayment) (bool, error)
}

type Bot struct {
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	batches    BatchRunner
	balances   Balances
	promo      Promos
	payments   Payments
	storage    SourceStorage
	catalog    *catalog.Catalog
	state      *StateManager
	httpClient *http.Client
}

func NewBot(api *tgbotapi.BotAPI, log *slog.Logger, batches BatchRunner, balances Balances, promo Promos, payments Payments, storage SourceStorage, cat *catalog.Catalog) *Bot {
	return &Bot{
		api:        api,
		log:        log,
		batches:    batches,
		balances:   balances,
		promo:      promo,
		payments:   payments,
		storage:    storage,
		catalog:    cat,
		state:      NewStateManager(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started", "username", b.api.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			} else if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
			} else if update.PreCheckoutQuery != nil {
				if err := b.payments.HandlePreCheckout(b.api, update.PreCheckoutQuery); err != nil {
					b.log.Error("pre-checkout failed", "err", err)
				}
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

// userID namespaces Telegram accounts inside the shared credit ledger.
func userID(from *tgbotapi.User, chatID int64) string {
	if from != nil {
		return "tg:" + strconv.FormatInt(from.ID, 10)
	}
	return "tg:" + strconv.FormatInt(chatID, 10)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}

	if len(msg.Photo) > 0 || msg.Document != nil {
		if err := b.handleSourceImage(ctx, msg); err != nil {
			if errors.Is(err, errSourceNotImage) {
				b.sendText(msg.Chat.ID, "That is not an image. Send a photo (JPEG, PNG or WebP).")
			} else {
				b.log.Error("source upload failed", "err", err)
				b.sendText(msg.Chat.ID, "Could not save your photo, please try again.")
			}
		}
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	switch b.state.Get(msg.Chat.ID).State {
	case StateAwaitingPreset, StateAwaitingStyle:
		b.sendText(msg.Chat.ID, "Pick an option from the buttons above.")
	case StateGenerating:
		b.sendText(msg.Chat.ID, "Your images are on the way.")
	default:
		b.sendText(msg.Chat.ID, "Send me a photo of yourself to start.")
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	credited, err := b.payments.HandleSuccessfulPayment(ctx, userID(msg.From, msg.Chat.ID), msg.SuccessfulPayment)
	if err != nil {
		b.log.Error("process successful payment", "err", err)
		b.sendText(msg.Chat.ID, "Payment received, but crediting failed. Support has been notified.")
		return
	}
	if !credited {
		return
	}
	b.sendText(msg.Chat.ID, "Payment received! Credits have been added.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		name := ""
		if msg.From != nil {
			name = msg.From.FirstName
		}
		text := fmt.Sprintf(
			"Hi, %s!\n\nSend a photo of yourself, pick a preset and a style, and I will make a set of portraits.\nEvery batch costs one credit.\n\nCommands:\n/presets - list presets\n/balance - show your credits\n/buy - buy credits\n/promo <code> - redeem a promo code\n/cancel - forget the current photo",
			name,
		)
		b.sendText(msg.Chat.ID, text)
	case "presets":
		b.sendText(msg.Chat.ID, presetList(b.catalog))
	case "promo":
		b.handlePromo(ctx, msg)
	case "balance":
		b.handleBalance(ctx, msg)
	case "buy":
		if err := b.payments.SendInvoice(ctx, b.api, userID(msg.From, msg.Chat.ID), msg.Chat.ID); err != nil {
			b.log.Error("send invoice", "err", err)
			b.sendText(msg.Chat.ID, "Could not create an invoice. Please try later.")
		}
	case "cancel":
		b.state.Reset(msg.Chat.ID)
		b.sendText(msg.Chat.ID, "Cleared. Send a new photo whenever you like.")
	default:
		b.sendText(msg.Chat.ID, "Unknown command. Send a photo or use /presets.")
	}
}

func (b *Bot) handlePromo(ctx context.Context, msg *tgbotapi.Message) {
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		b.sendText(msg.Chat.ID, "Usage: /promo CODE")
		return
	}
	balance, err := b.promo.Apply(ctx, userID(msg.From, msg.Chat.ID), code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPromoInvalid):
			b.sendText(msg.Chat.ID, "This promo code is not valid.")
		case errors.Is(err, service.ErrPromoExhausted):
			b.sendText(msg.Chat.ID, "This promo code has run out.")
		case errors.Is(err, service.ErrPromoAlreadyRedeemed):
			b.sendText(msg.Chat.ID, "You have already used this promo code.")
		default:
			b.log.Error("apply promo", "err", err)
			b.sendText(msg.Chat.ID, "Could not apply the promo code, please try later.")
		}
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Promo code applied! You now have %d credits.", balance.Total()))
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	balance, err := b.balances.GetBalance(ctx, userID(msg.From, msg.Chat.ID))
	if err != nil {
		b.log.Error("get balance", "err", err)
		b.sendText(msg.Chat.ID, "Could not load your balance, please try later.")
		return
	}
	b.sendText(msg.Chat.ID, balanceText(balance))
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID
	kind, args := parseCallback(cb.Data)

	switch kind {
	case cbPreset:
		preset, ok := b.catalog.Preset(args[0])
		session := b.state.Get(chatID)
		if !ok || session.SourceURL == "" {
			b.answer(cb, "Send a photo first")
			return
		}
		session.PresetID = preset.ID
		session.State = StateAwaitingStyle
		b.state.Set(chatID, session)
		b.answer(cb, preset.Title)
		b.sendKeyboard(chatID, "Now pick a style.", styleKeyboard(b.catalog))
	case cbStyle:
		session, ok := b.state.BeginGeneration(chatID)
		if !ok {
			b.answer(cb, "Pick a preset first")
			return
		}
		b.answer(cb, "Generating")
		go b.runBatch(ctx, chatID, userID(cb.From, chatID), session, args[0])
	case cbRetry:
		if len(args) != 2 {
			b.answer(cb, "Unknown option")
			return
		}
		index, err := strconv.Atoi(args[1])
		if err != nil {
			b.answer(cb, "Unknown option")
			return
		}
		b.answer(cb, "Retrying")
		go b.retrySlot(ctx, chatID, userID(cb.From, chatID), args[0], index)
	default:
		b.answer(cb, "Unknown option")
	}
}

func (b *Bot) runBatch(ctx context.Context, chatID int64, uid string, session Session, styleID string) {
	defer b.state.Set(chatID, Session{State: StateAwaitingPreset, SourceURL: session.SourceURL})

	b.sendText(chatID, "Generating your images, this can take a couple of minutes.")

	result, err := b.batches.Run(ctx, service.ReserveRequest{
		UserID:         uid,
		PresetID:       session.PresetID,
		StyleID:        styleID,
		SourceImageRef: session.SourceURL,
	})
	if err != nil {
		if errors.Is(err, service.ErrInsufficientCredits) {
			b.sendText(chatID, "You are out of credits. Use /buy or /promo to get more.")
			return
		}
		b.log.Error("reserve batch", "chat_id", chatID, "err", err)
		b.sendText(chatID, "Could not start the batch, please try later.")
		return
	}

	b.deliverBatch(chatID, result)
}

func (b *Bot) deliverBatch(chatID int64, result *orchestrator.BatchResult) {
	var urls []string
	for _, slot := range result.Slots {
		if slot.Status == orchestrator.SlotSuccess {
			urls = append(urls, slot.ImageURL)
		}
	}

	switch {
	case len(urls) == 1:
		b.sendPhoto(chatID, urls[0])
	case len(urls) > 1:
		for _, group := range mediaGroups(chatID, urls) {
			if _, err := b.api.SendMediaGroup(group); err != nil {
				b.log.Error("send media group", "err", err)
			}
		}
	}

	text := batchSummary(result)
	if retry := retryKeyboard(result); retry != nil {
		b.sendKeyboard(chatID, text, *retry)
		return
	}
	b.sendText(chatID, text)
}

func (b *Bot) retrySlot(ctx context.Context, chatID int64, uid, sessionID string, index int) {
	slot := b.batches.RetrySlot(ctx, uid, sessionID, index)
	switch slot.Status {
	case orchestrator.SlotSuccess:
		b.sendPhoto(chatID, slot.ImageURL)
	case orchestrator.SlotLoading:
		b.sendText(chatID, "That image is still being generated.")
	default:
		if errors.Is(slot.Err, service.ErrSessionExpired) {
			b.sendText(chatID, "This batch has expired. Start a new one with a preset.")
			return
		}
		b.sendText(chatID, fmt.Sprintf("Image %d failed again.", index+1))
	}
}

func (b *Bot) handleSourceImage(ctx context.Context, msg *tgbotapi.Message) error {
	var fileID string
	contentType := "image/jpeg"

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		fileID = photo.FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return errSourceNotImage
		}
		fileID = msg.Document.FileID
		if msg.Document.MimeType != "" {
			contentType = msg.Document.MimeType
		}
	default:
		return nil
	}

	data, detectedType, err := b.downloadFile(ctx, fileID)
	if err != nil {
		return err
	}
	if detectedType != "" {
		contentType = detectedType
	}

	url, err := b.storage.Upload(ctx, data, contentType)
	if err != nil {
		return err
	}

	b.state.Set(msg.Chat.ID, Session{State: StateAwaitingPreset, SourceURL: url})
	b.sendKeyboard(msg.Chat.ID, "Photo saved. Pick a preset.", presetKeyboard(b.catalog))
	return nil
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(b.api.Token), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	if len(body) > maxSourceBytes {
		return nil, "", fmt.Errorf("source exceeds %d bytes", maxSourceBytes)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) answer(cb *tgbotapi.CallbackQuery, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, text)); err != nil {
		b.log.Error("callback ack", "err", err)
	}
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

func (b *Bot) sendKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}

func (b *Bot) sendPhoto(chatID int64, url string) {
	if _, err := b.api.Send(tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(url))); err != nil {
		b.log.Error("send image", "err", err)
	}
}

func parseCallback(data string) (string, []string) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 || parts[1] == "" {
		return "", nil
	}
	return parts[0], parts[1:]
}

func presetKeyboard(cat *catalog.Catalog) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range cat.Presets() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(p.Title, cbPreset+":"+p.ID),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func styleKeyboard(cat *catalog.Catalog) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, s := range cat.Styles() {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(s.Title, cbStyle+":"+s.ID))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// retryKeyboard offers a button per failed slot that is worth retrying, or nil.
func retryKeyboard(result *orchestrator.BatchResult) *tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, slot := range result.Slots {
		if slot.Status != orchestrator.SlotFailed || !slot.Retryable {
			continue
		}
		data := fmt.Sprintf("%s:%s:%d", cbRetry, result.SessionID, slot.Index)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Retry image %d", slot.Index+1), data),
		))
	}
	if len(rows) == 0 {
		return nil
	}
	keyboard := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &keyboard
}

func mediaGroups(chatID int64, urls []string) []tgbotapi.MediaGroupConfig {
	var groups []tgbotapi.MediaGroupConfig
	for start := 0; start < len(urls); start += maxMediaGroup {
		end := min(start+maxMediaGroup, len(urls))
		media := make([]interface{}, 0, end-start)
		for _, url := range urls[start:end] {
			media = append(media, tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(url)))
		}
		groups = append(groups, tgbotapi.NewMediaGroup(chatID, media))
	}
	return groups
}

func batchSummary(result *orchestrator.BatchResult) string {
	ok := result.Succeeded()
	total := len(result.Slots)
	switch {
	case ok == total:
		return fmt.Sprintf("Done! %d of %d images are ready.", ok, total)
	case ok == 0:
		return "No images could be generated. If nothing succeeds before the batch expires, your credit is refunded."
	default:
		return fmt.Sprintf("%d of %d images are ready.", ok, total)
	}
}

func presetList(cat *catalog.Catalog) string {
	var sb strings.Builder
	sb.WriteString("Presets:\n")
	for _, p := range cat.Presets() {
		fmt.Fprintf(&sb, "- %s\n", p.Title)
	}
	sb.WriteString("\nStyles:\n")
	for _, s := range cat.Styles() {
		fmt.Fprintf(&sb, "- %s\n", s.Title)
	}
	sb.WriteString("\nSend a photo to start.")
	return sb.String()
}

func balanceText(balance models.Balance) string {
	return fmt.Sprintf("Balance:\nFree credits: %d\nPaid credits: %d\nBatches generated: %d", balance.Free, balance.Paid, balance.Lifetime)
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errSourceNotImage
	}
}
