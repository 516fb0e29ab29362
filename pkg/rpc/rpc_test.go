package rpc_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hashdex/swapd/pkg/rpc"
	"github.com/hashdex/swapd/pkg/store"
	"github.com/hashdex/swapd/pkg/swap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	rpcUser     = "user"
	rpcPassword = "password"
)

var _ = Describe("JSON-RPC server", func() {
	var (
		core   *fakeCore
		ts     *httptest.Server
		client *http.Client
	)

	BeforeEach(func() {
		core = &fakeCore{st: newRPCStore(), startID: uuid.New()}
		server := rpc.NewServer(core, rpcUser, rpcPassword, zap.NewNop())
		ts = httptest.NewServer(server.Router())
		DeferCleanup(ts.Close)
		client = ts.Client()
	})

	call := func(body string, authorize bool) (*http.Response, rpc.Response) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/", bytes.NewBufferString(body))
		Expect(err).To(BeNil())
		req.Header.Set("Content-Type", "application/json")
		if authorize {
			req.SetBasicAuth(rpcUser, rpcPassword)
		}
		resp, err := client.Do(req)
		Expect(err).To(BeNil())
		defer resp.Body.Close()

		var rpcResp rpc.Response
		if resp.StatusCode != http.StatusUnauthorized {
			Expect(json.NewDecoder(resp.Body).Decode(&rpcResp)).To(Succeed())
		}
		return resp, rpcResp
	}

	request := func(method string, params interface{}) string {
		data, err := json.Marshal(rpc.Request{Version: "2.0", ID: 1, Method: method, Params: mustRaw(params)})
		Expect(err).To(BeNil())
		return string(data)
	}

	Context("authentication", func() {
		It("rejects requests without credentials", func() {
			resp, _ := call(request("active_swaps", nil), false)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("rejects wrong credentials", func() {
			req, err := http.NewRequest(http.MethodPost, ts.URL+"/", bytes.NewBufferString(request("active_swaps", nil)))
			Expect(err).To(BeNil())
			req.SetBasicAuth(rpcUser, "wrong")
			resp, err := client.Do(req)
			Expect(err).To(BeNil())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Context("dispatch", func() {
		It("answers unknown methods with a method-not-found error", func() {
			resp, rpcResp := call(request("no_such_method", nil), true)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(rpcResp.Error).NotTo(BeNil())
			Expect(rpcResp.Error.Code).To(Equal(rpc.ErrorCodeMethodNotFound))
		})

		It("answers malformed bodies with a parse error", func() {
			resp, rpcResp := call("{not json", true)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(rpcResp.Error).NotTo(BeNil())
			Expect(rpcResp.Error.Code).To(Equal(rpc.ErrorCodeParseError))
		})
	})

	Context("start_swap", func() {
		It("forwards the request to the daemon and returns the uuid", func() {
			resp, rpcResp := call(request("start_swap", rpc.StartSwapRequest{
				Role:        "Taker",
				MakerCoin:   "BTC",
				TakerCoin:   "ETH",
				MakerAmount: "1000000",
				TakerAmount: "2000000",
			}), true)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(rpcResp.Error).To(BeNil())

			var result struct {
				UUID string `json:"uuid"`
			}
			Expect(json.Unmarshal(rpcResp.Result, &result)).To(Succeed())
			Expect(result.UUID).To(Equal(core.startID.String()))
			Expect(core.lastReq.MakerCoin).To(Equal("BTC"))
			Expect(core.lastReq.TakerAmount).To(Equal("2000000"))
		})

		It("surfaces daemon failures as internal errors", func() {
			core.startErr = fmt.Errorf("coin ETH is not enabled")
			resp, rpcResp := call(request("start_swap", rpc.StartSwapRequest{
				Role:        "Taker",
				MakerCoin:   "BTC",
				TakerCoin:   "ETH",
				MakerAmount: "1",
				TakerAmount: "1",
			}), true)
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(rpcResp.Error.Code).To(Equal(rpc.ErrorCodeInternalError))
			Expect(rpcResp.Error.Data).To(ContainSubstring("not enabled"))
		})
	})

	Context("swap status methods", func() {
		var id string

		BeforeEach(func() {
			id = uuid.NewString()
			Expect(core.st.CreateSwap(id, "Taker", "BTC", "ETH", []string{"Finished"})).To(Succeed())
			Expect(core.st.AppendEvent(id, store.Record{
				Kind:      "Started",
				Timestamp: 1000,
				Data:      json.RawMessage(`{"uuid":"` + id + `"}`),
			})).To(Succeed())
		})

		It("returns the full journal from my_swap_status", func() {
			_, rpcResp := call(request("my_swap_status", map[string]string{"uuid": id}), true)
			Expect(rpcResp.Error).To(BeNil())

			var status rpc.SwapStatus
			Expect(json.Unmarshal(rpcResp.Result, &status)).To(Succeed())
			Expect(status.UUID).To(Equal(id))
			Expect(status.Role).To(Equal("Taker"))
			Expect(status.Finished).To(BeFalse())
			Expect(status.Events).To(HaveLen(1))
			Expect(status.Events[0].Kind).To(Equal("Started"))
		})

		It("lists unfinished swaps from active_swaps", func() {
			_, rpcResp := call(request("active_swaps", nil), true)
			Expect(rpcResp.Error).To(BeNil())

			var result struct {
				UUIDs []string `json:"uuids"`
			}
			Expect(json.Unmarshal(rpcResp.Result, &result)).To(Succeed())
			Expect(result.UUIDs).To(ContainElement(id))
		})

		It("lists journals newest first from list_swaps", func() {
			second := uuid.NewString()
			Expect(core.st.CreateSwap(second, "Maker", "ETH", "BTC", []string{"Finished"})).To(Succeed())

			_, rpcResp := call(request("list_swaps", map[string]int{"limit": 1}), true)
			Expect(rpcResp.Error).To(BeNil())

			var statuses []rpc.SwapStatus
			Expect(json.Unmarshal(rpcResp.Result, &statuses)).To(Succeed())
			Expect(statuses).To(HaveLen(1))
			Expect(statuses[0].UUID).To(Equal(second))
		})
	})

	Context("recover_funds_of_swap", func() {
		It("parses the uuid and returns the recovery outcome", func() {
			id := uuid.New()
			core.recoverResult = &swap.RecoverResult{
				Action: swap.RecoverRefundedMyPayment,
				Coin:   "BTC",
				TxHash: "refund-tx",
			}

			_, rpcResp := call(request("recover_funds_of_swap", map[string]string{"uuid": id.String()}), true)
			Expect(rpcResp.Error).To(BeNil())
			Expect(core.recoverID).To(Equal(id))

			var result swap.RecoverResult
			Expect(json.Unmarshal(rpcResp.Result, &result)).To(Succeed())
			Expect(result.Action).To(Equal(swap.RecoverRefundedMyPayment))
			Expect(result.TxHash).To(Equal("refund-tx"))
		})

		It("rejects an unparseable uuid", func() {
			resp, rpcResp := call(request("recover_funds_of_swap", map[string]string{"uuid": "nope"}), true)
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(rpcResp.Error).NotTo(BeNil())
		})
	})
})

var _ = Describe("StartSwapRequest amounts", func() {
	It("parses decimal strings", func() {
		req := rpc.StartSwapRequest{MakerAmount: "123", TakerAmount: "456"}
		maker, taker, err := req.Amounts()
		Expect(err).To(BeNil())
		Expect(maker.Int64()).To(Equal(int64(123)))
		Expect(taker.Int64()).To(Equal(int64(456)))
	})

	It("rejects zero, negative, and non-numeric amounts", func() {
		for _, bad := range []rpc.StartSwapRequest{
			{MakerAmount: "0", TakerAmount: "1"},
			{MakerAmount: "1", TakerAmount: "-5"},
			{MakerAmount: "1.5", TakerAmount: "1"},
			{MakerAmount: "abc", TakerAmount: "1"},
		} {
			_, _, err := bad.Amounts()
			Expect(err).NotTo(BeNil())
		}
	})
})

func mustRaw(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	Expect(err).To(BeNil())
	return data
}
