package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaydoc/internal/relaydoc"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List documents",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var createCmd = &cobra.Command{
	Use:   "create [doc-id]",
	Short: "Create a document",
	Long:  `Creates a document. Without an id the server assigns one. Initial content comes from --content or --file.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCreate,
}

var catCmd = &cobra.Command{
	Use:   "cat [doc-id]",
	Short: "Print document content",
	Args:  cobra.ExactArgs(1),
	RunE:  runCat,
}

var renameCmd = &cobra.Command{
	Use:   "rename [doc-id] [title]",
	Short: "Change a document title",
	Args:  cobra.ExactArgs(2),
	RunE:  runRename,
}

var statsCmd = &cobra.Command{
	Use:   "stats [doc-id]",
	Short: "Show document statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

var whoCmd = &cobra.Command{
	Use:   "who [doc-id]",
	Short: "List sessions attached to a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runWho,
}

var (
	createTitle   string
	createContent string
	createFile    string
)

func init() {
	createCmd.Flags().StringVarP(&createTitle, "title", "t", "", "document title")
	createCmd.Flags().StringVarP(&createContent, "content", "c", "", "initial content")
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "read initial content from a file")

	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(whoCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	docs, err := newClient().ListDocuments(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	if len(docs) == 0 {
		cmd.Println("No documents")
		return nil
	}
	for _, doc := range docs {
		title := doc.Title
		if title == "" {
			title = "(untitled)"
		}
		cmd.Printf("%s\t%s\tv%d\t%d sessions\n", doc.ID, title, doc.Version, doc.Sessions)
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	content := createContent
	if createFile != "" {
		if content != "" {
			return fmt.Errorf("--content and --file are mutually exclusive")
		}
		data, err := os.ReadFile(createFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", createFile, err)
		}
		content = string(data)
	}
	req := relaydoc.CreateDocumentRequest{Title: createTitle, Content: content}
	if len(args) == 1 {
		req.ID = strings.TrimSpace(args[0])
	}
	snap, err := newClient().CreateDocument(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	cmd.Printf("Created %s at version %d\n", snap.ID, snap.Version)
	return nil
}

func runCat(cmd *cobra.Command, args []string) error {
	snap, err := newClient().GetDocument(cmd.Context(), args[0], false)
	if err != nil {
		return fmt.Errorf("failed to get document: %w", err)
	}
	cmd.Print(snap.Content)
	return nil
}

func runRename(cmd *cobra.Command, args []string) error {
	snap, err := newClient().RenameDocument(cmd.Context(), args[0], args[1])
	if err != nil {
		return fmt.Errorf("failed to rename document: %w", err)
	}
	cmd.Printf("Renamed %s to %q\n", snap.ID, snap.Title)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	stats, err := newClient().Stats(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	cmd.Printf("Document:   %s\n", stats.DocumentID)
	cmd.Printf("Version:    %d\n", stats.Version)
	cmd.Printf("Characters: %d\n", stats.Characters)
	cmd.Printf("Words:      %d\n", stats.Words)
	cmd.Printf("Lines:      %d\n", stats.Lines)
	cmd.Printf("Sessions:   %d (%d active)\n", stats.Sessions, stats.ActiveSessions)
	if stats.Pending > 0 {
		cmd.Printf("Pending:    %d\n", stats.Pending)
	}
	return nil
}

func runWho(cmd *cobra.Command, args []string) error {
	sessions, err := newClient().Sessions(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		cmd.Println("Nobody here")
		return nil
	}
	for _, s := range sessions {
		name := s.Name
		if name == "" {
			name = s.UserID
		}
		cursor := "-"
		if s.Cursor != nil {
			cursor = fmt.Sprintf("%d", s.Cursor.Offset)
		}
		cmd.Printf("%s\t%s\t%s\tcursor=%s\n", s.ID, name, s.Liveness, cursor)
	}
	return nil
}
