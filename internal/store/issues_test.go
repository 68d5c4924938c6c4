package store

import (
	"context"
	"testing"
)

func TestListIssuesByTask_ReturnsInsertedIssuesInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fileInfoID, aiModelID := seedTaskFixtures(t, s, "u1", 10)
	task := enqueueTestTask(t, s, "u1", fileInfoID, aiModelID, 5)
	if _, _, err := s.ClaimNextQueueEntry(ctx, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	issues := []Issue{
		{TaskID: task.ID, Type: IssueTypeGrammar, Severity: SeverityLow, Title: "a", Description: "d1"},
		{TaskID: task.ID, Type: IssueTypeLogic, Severity: SeverityCritical, Title: "b", Description: "d2"},
	}
	if err := s.CommitTaskSuccess(ctx, task.ID, issues, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.ListIssuesByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(got))
	}
	if got[0].UserFeedback != FeedbackUnset {
		t.Fatalf("expected default feedback unset, got %q", got[0].UserFeedback)
	}
}

func TestSetIssueFeedback_AndCommentAreIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fileInfoID, aiModelID := seedTaskFixtures(t, s, "u1", 10)
	task := enqueueTestTask(t, s, "u1", fileInfoID, aiModelID, 5)
	if _, _, err := s.ClaimNextQueueEntry(ctx, "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CommitTaskSuccess(ctx, task.ID, []Issue{{TaskID: task.ID, Type: IssueTypeOther, Severity: SeverityMedium, Title: "t", Description: "d"}}, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}

	issues, err := s.ListIssuesByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list issues: %v", err)
	}
	issueID := issues[0].ID

	rating := 4
	if err := s.SetIssueFeedback(ctx, issueID, FeedbackAccept, &rating); err != nil {
		t.Fatalf("set feedback: %v", err)
	}
	if err := s.SetIssueFeedbackComment(ctx, issueID, "looks right"); err != nil {
		t.Fatalf("set feedback comment: %v", err)
	}

	got, err := s.ListIssuesByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list issues after feedback: %v", err)
	}
	if got[0].UserFeedback != FeedbackAccept || got[0].FeedbackComment != "looks right" || *got[0].SatisfactionRating != 4 {
		t.Fatalf("unexpected issue state after feedback: %+v", got[0])
	}

	if err := s.SetIssueFeedbackComment(ctx, issueID, "revised comment"); err != nil {
		t.Fatalf("update comment: %v", err)
	}
	got2, err := s.ListIssuesByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list issues after comment update: %v", err)
	}
	if got2[0].UserFeedback != FeedbackAccept {
		t.Fatalf("expected feedback untouched by comment-only update, got %q", got2[0].UserFeedback)
	}
	if got2[0].FeedbackComment != "revised comment" {
		t.Fatalf("expected updated comment, got %q", got2[0].FeedbackComment)
	}
}
