package session_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/evergreen-ai/evergreen/internal/executor"
	"github.com/evergreen-ai/evergreen/internal/session"
	"github.com/evergreen-ai/evergreen/pkg/types"
)

// Drives a full multimodal exchange: a streamed text prompt, a video
// reference, a composite question node listing both, and a generate action
// whose response streams back while the question is still assembling.
var _ = Describe("multimodal generate exchange", func() {
	var (
		sess *session.Session

		mu   sync.Mutex
		sent []types.NodeFragment
	)

	sentFragments := func() []types.NodeFragment {
		mu.Lock()
		defer mu.Unlock()
		return append([]types.NodeFragment(nil), sent...)
	}

	BeforeEach(func() {
		sent = nil
		sess = session.New(context.Background(), "scenario", executor.DefaultRegistry(),
			func(ctx context.Context, env *types.Envelope) error {
				mu.Lock()
				defer mu.Unlock()
				sent = append(sent, env.NodeFragments...)
				return nil
			}, session.Options{})
	})

	AfterEach(func() {
		sess.Complete()
	})

	It("resolves out-of-order fragments and streams the response", func() {
		// The action and the composite question arrive before any of the
		// content they reference.
		Expect(sess.HandleEnvelope(&types.Envelope{
			NodeFragments: []types.NodeFragment{
				{ID: "question_1", ChildIDs: []string{"prompt_1", "video_1"}},
			},
			Actions: []types.Action{{
				Name:    "GENERATE",
				Target:  types.TargetSpec{ID: executor.GenerateTarget},
				Inputs:  []types.NamedParameter{{Name: "prompt", ID: "question_1"}},
				Outputs: []types.NamedParameter{{Name: "response", ID: "response_1"}},
			}},
		})).To(Succeed())

		// Nothing can stream back yet.
		Consistently(sentFragments, "50ms", "10ms").Should(BeEmpty())

		// Prompt text arrives fragmented and out of order.
		Expect(sess.HandleFragment(&types.NodeFragment{ID: "prompt_1", Seq: 1, Continued: false,
			Chunk: &types.Chunk{Data: []byte("this video?")}})).To(Succeed())
		Expect(sess.HandleFragment(&types.NodeFragment{ID: "prompt_1", Seq: 0, Continued: true,
			Chunk: &types.Chunk{
				Metadata: &types.ChunkMetadata{Mimetype: "text/plain", Role: "user"},
				Data:     []byte("What happens in "),
			}})).To(Succeed())

		// Still blocked on the video reference.
		Consistently(sentFragments, "50ms", "10ms").Should(BeEmpty())

		Expect(sess.HandleFragment(&types.NodeFragment{ID: "video_1",
			Chunk: &types.Chunk{
				Metadata: &types.ChunkMetadata{Mimetype: "video/mp4", OriginalFileName: "clip.mp4"},
				Ref:      "blob://clip-0001",
			}})).To(Succeed())

		Eventually(sentFragments, "2s", "10ms").ShouldNot(BeEmpty())
		sess.Complete()

		frags := sentFragments()
		for _, f := range frags {
			Expect(f.ID).To(Equal("response_1"))
		}

		// Metadata rides only on seq 0, the stream terminates exactly once.
		Expect(frags[0].Seq).To(BeZero())
		Expect(frags[0].Chunk.Metadata).NotTo(BeNil())
		for _, f := range frags[1:] {
			Expect(f.Chunk.Metadata).To(BeNil())
		}
		Expect(frags[len(frags)-1].Continued).To(BeFalse())

		var body []byte
		for _, f := range frags {
			if f.Chunk != nil {
				body = append(body, f.Chunk.Data...)
			}
		}
		Expect(string(body)).To(ContainSubstring("What happens in "))
		Expect(string(body)).To(ContainSubstring("this video?"))
		Expect(string(body)).To(ContainSubstring("blob://clip-0001"))

		Expect(sess.State()).To(Equal(session.StateCompleted))
	})

	It("keeps shared subtrees legal and flattens depth first", func() {
		Expect(sess.HandleEnvelope(&types.Envelope{
			NodeFragments: []types.NodeFragment{
				{ID: "pair_1", ChildIDs: []string{"word_1", "word_1"}},
				{ID: "word_1", Chunk: &types.Chunk{
					Metadata: &types.ChunkMetadata{Mimetype: "text/plain"},
					Data:     []byte("echo "),
				}},
			},
			Actions: []types.Action{{
				Name:    "JOIN",
				Target:  types.TargetSpec{ID: executor.ConcatTarget},
				Inputs:  []types.NamedParameter{{Name: "a", ID: "pair_1"}},
				Outputs: []types.NamedParameter{{Name: "result", ID: "result_1"}},
			}},
		})).To(Succeed())

		Eventually(func() bool {
			return sess.Registry().Complete("result_1")
		}, "2s", "10ms").Should(BeTrue())

		assembled, ok := sess.Registry().Assembled("result_1")
		Expect(ok).To(BeTrue())
		Expect(assembled.Bytes()).To(Equal([]byte("echo echo ")))
	})
})
