package main

import (
  "bytes"
  "context"
  "encoding/base64"
  "encoding/json"
  "flag"
  "fmt"
  "net/http"
  "os"
  "strconv"
  "strings"
  "time"
  "github.com/bricktally/bricktally-backend/internal/bom"
  "github.com/bricktally/bricktally-backend/internal/cascade"
  "github.com/bricktally/bricktally-backend/internal/catalog"
  "github.com/bricktally/bricktally-backend/internal/localstore"
  "github.com/bricktally/bricktally-backend/internal/ownership"
  "github.com/bricktally/bricktally-backend/internal/pkg/logger"
  "github.com/bricktally/bricktally-backend/internal/reconcile"
  "github.com/bricktally/bricktally-backend/internal/syncqueue"
)

// syncsim drives the full client stack against a running backend: it loads a
// catalog, applies edits through the cascade engine, flushes the queue, and
// optionally reconciles with the cloud copy.
func main() {
  baseURL := flag.String("base-url", "http://localhost:8080", "backend base url")
  email := flag.String("email", "", "account email")
  password := flag.String("password", "", "account password")
  setNum := flag.String("set", "", "set number to operate on")
  catalogDir := flag.String("catalog-dir", "./catalogs", "directory of per-set catalog yaml files")
  dataDir := flag.String("data-dir", "./syncsim-data", "local cache directory")
  edit := flag.String("edit", "", "edit to apply, item_key=quantity (repeat with commas)")
  mark := flag.String("mark", "", "bulk mark: complete or missing")
  doReconcile := flag.Bool("reconcile", false, "reconcile with the cloud copy")
  adopt := flag.String("adopt", "", "resolution when prompted: local or remote")
  flush := flag.Bool("flush", true, "flush the queue before exiting")
  flag.Parse()

  log, err := logger.New("development")
  if err != nil {
    panic(err)
  }
  defer log.Sync()

  if *setNum == "" || *email == "" || *password == "" {
    log.Fatal("-set, -email and -password are required")
  }

  ctx := context.Background()

  userID, token, err := login(ctx, *baseURL, *email, *password)
  if err != nil {
    log.Fatal("Login failed", "error", err)
  }
  log.Info("Logged in", "user_id", userID)

  rows, err := catalog.NewFileProvider(*catalogDir, log).SetInventory(ctx, *setNum)
  if err != nil {
    log.Fatal("Failed to load catalog", "set", *setNum, "error", err)
  }
  index := bom.BuildIndex(rows, log)
  log.Info("Catalog loaded", "set", *setNum, "components", index.Len())

  cache, err := localstore.Open(*dataDir, log)
  if err != nil {
    log.Fatal("Failed to open local cache", "dir", *dataDir, "error", err)
  }
  defer cache.Close()

  clientID, err := syncqueue.LoadOrCreateClientID(cache)
  if err != nil {
    log.Fatal("Failed to resolve client id", "error", err)
  }
  session := syncqueue.NewSession(userID, clientID, true)

  queue, err := syncqueue.NewQueue(cache, session, log)
  if err != nil {
    log.Fatal("Failed to open sync queue", "error", err)
  }
  store := ownership.NewStore(userID, cache, index, log)
  if err := store.Load(*setNum); err != nil {
    log.Fatal("Failed to hydrate ownership", "error", err)
  }
  engine := cascade.NewEngine(index, store, queue, log)
  remote := syncqueue.NewHTTPRemoteClient(*baseURL, token, log)

  if *doReconcile {
    controller := reconcile.NewController(userID, index, store, queue, remote, cache, log)
    state, summary, err := controller.Start(ctx, *setNum)
    if err != nil {
      log.Fatal("Reconciliation failed", "error", err)
    }
    log.Info("Reconciliation state", "state", state.String())
    if state == reconcile.StatePrompting {
      fmt.Printf("local total %d, remote total %d\n", summary.LocalTotal, summary.RemoteTotal)
      fmt.Printf("local only: %v\nremote only: %v\ndiffering: %v\n", summary.LocalOnly, summary.RemoteOnly, summary.Different)
      switch *adopt {
      case "local":
        if err := controller.AdoptLocal(); err != nil {
          log.Fatal("Adopt local failed", "error", err)
        }
      case "remote":
        if err := controller.AdoptRemote(); err != nil {
          log.Fatal("Adopt remote failed", "error", err)
        }
      default:
        log.Warn("Divergence detected, rerun with -adopt local|remote")
        os.Exit(2)
      }
    }
  }

  switch *mark {
  case "":
  case "complete":
    engine.MarkAllComplete(*setNum)
    log.Info("Marked all complete", "set", *setNum)
  case "missing":
    engine.MarkAllMissing(*setNum)
    log.Info("Marked all missing", "set", *setNum)
  default:
    log.Fatal("Unknown -mark value", "mark", *mark)
  }

  if *edit != "" {
    for _, pair := range strings.Split(*edit, ",") {
      key, qtyStr, found := strings.Cut(pair, "=")
      if !found {
        log.Fatal("Bad -edit entry, want item_key=quantity", "entry", pair)
      }
      qty, err := strconv.Atoi(qtyStr)
      if err != nil {
        log.Fatal("Bad -edit quantity", "entry", pair, "error", err)
      }
      engine.SetOwned(*setNum, key, qty)
      log.Info("Applied edit", "item_key", key, "quantity", store.Get(*setNum, key))
    }
  }

  store.Flush()

  if *flush {
    flusher := syncqueue.NewFlusher(queue, remote, syncqueue.RealClock(), syncqueue.FlusherConfig{}, log)
    for {
      if err := flusher.FlushOnce(ctx); err != nil {
        log.Fatal("Flush failed", "error", err)
      }
      n, err := queue.Len()
      if err != nil {
        log.Fatal("Queue length check failed", "error", err)
      }
      if n == 0 {
        break
      }
      log.Info("Queue not yet drained", "remaining", n)
      time.Sleep(time.Second)
    }
    log.Info("Queue drained")
  }
}

func login(ctx context.Context, baseURL, email, password string) (string, string, error) {
  body, err := json.Marshal(map[string]string{"email": email, "password": password})
  if err != nil {
    return "", "", err
  }
  req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/login", bytes.NewReader(body))
  if err != nil {
    return "", "", err
  }
  req.Header.Set("Content-Type", "application/json")
  resp, err := http.DefaultClient.Do(req)
  if err != nil {
    return "", "", err
  }
  defer resp.Body.Close()
  if resp.StatusCode != http.StatusOK {
    return "", "", fmt.Errorf("login returned status %d", resp.StatusCode)
  }
  var tokens struct {
    AccessToken  string `json:"access_token"`
    RefreshToken string `json:"refresh_token"`
  }
  if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
    return "", "", err
  }
  userID, err := tokenSubject(tokens.AccessToken)
  if err != nil {
    return "", "", err
  }
  return userID, tokens.AccessToken, nil
}

// tokenSubject pulls the user id out of the access token claims. The server
// already verified the credentials; no signature check is needed here.
func tokenSubject(token string) (string, error) {
  parts := strings.Split(token, ".")
  if len(parts) != 3 {
    return "", fmt.Errorf("malformed access token")
  }
  payload, err := base64.RawURLEncoding.DecodeString(parts[1])
  if err != nil {
    return "", fmt.Errorf("decode access token claims: %w", err)
  }
  var claims struct {
    Subject string `json:"sub"`
  }
  if err := json.Unmarshal(payload, &claims); err != nil {
    return "", fmt.Errorf("parse access token claims: %w", err)
  }
  if claims.Subject == "" {
    return "", fmt.Errorf("access token carries no subject")
  }
  return claims.Subject, nil
}
